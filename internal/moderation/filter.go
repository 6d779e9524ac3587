// Package moderation screens chat messages for prohibited content. It is the
// content trigger for the escalating block policy. A blocklisted keyword or
// phrase earns the sender a strike; spam-like text (contact details, floods,
// walls of text) is only flagged and counted.
package moderation

import (
	"strings"
	"unicode"
)

// Verdict is what moderation does about a message.
type Verdict string

const (
	Clean Verdict = "clean"
	// Flag counts the message without penalizing the sender.
	Flag Verdict = "flag"
	// Strike records a strike against the sender.
	Strike Verdict = "strike"
)

// Reasons attached to non-clean verdicts.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// FilterResult is the outcome of a Check.
type FilterResult struct {
	Verdict Verdict
	Reason  string
	Term    string // matched term or spam rule name
}

// Filter holds a compiled blocklist. It is safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string // space-joined tokens, each padded with spaces
}

// defaultTerms is the built-in blocklist: slurs, self-harm incitement,
// sexual content involving minors, solicitation, extremism, threats and scams.
var defaultTerms = []string{
	// slurs
	"nigger", "nigga", "faggot", "fag", "retard", "tranny", "chink", "spic", "kike",
	// self-harm incitement
	"kill yourself", "kys", "go die", "hang yourself",
	// minors
	"child porn", "cp links", "underage nudes",
	// solicitation
	"send nudes", "nudes for sale", "show me your body",
	// extremism
	"heil hitler", "white power", "gas the jews",
	// threats
	"bomb threat", "i will kill you", "shoot up",
	// scams
	"free bitcoin", "crypto giveaway", "double your money",
}

// NewFilter creates a filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a filter with the given blocklist. Terms are
// case-insensitive; multi-word terms match as whole-word phrases. Blank
// terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, " "+strings.Join(tokens, " ")+" ")
		}
	}
	return f
}

// Check screens text. Keyword matches win over spam rules.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	if term, ok := f.matchTokens(tokenizePlain(lower)); ok {
		return FilterResult{Verdict: Strike, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(lower)
	folded := make([]string, 0, len(leet))
	for _, tok := range leet {
		norm := strings.TrimFunc(normalizeLeet(tok), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if norm != "" {
			folded = append(folded, norm)
		}
	}
	if term, ok := f.matchTokens(folded); ok {
		return FilterResult{Verdict: Strike, Reason: ReasonKeyword, Term: term}
	}

	if rule, ok := spamRule(text); ok {
		return FilterResult{Verdict: Flag, Reason: ReasonSpam, Term: rule}
	}
	return FilterResult{Verdict: Clean}
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, p) {
			return strings.TrimSpace(p), true
		}
	}
	return "", false
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet folds common character substitutions back to letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}
