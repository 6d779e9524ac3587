package moderation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/whisper/pairchat/internal/chat"
)

const (
	// floodRun is the shortest run of one repeated character that counts as
	// flooding. Stretched words like "nooooo" stay below it.
	floodRun = 8
	// floodWords is how many times in a row one word must repeat.
	floodWords = 4
	// wallChars is the length from which a message is checked for being a
	// low-variety wall of text.
	wallChars = chat.MaxTextChars / 2
	// wallDistinct is the number of distinct letters a wall stays under.
	wallDistinct = 8
)

var (
	linkRe  = regexp.MustCompile(`(?i)(?:https?://|www\.)\S+|\b[a-z0-9-]+\.(?:com|net|org|io|me|gg|ly|xyz|ru|tk)/\S*`)
	emailRe = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	// Nine or more digits, optionally separated, reads as a phone number.
	phoneRe = regexp.MustCompile(`\+?\d(?:[\s.()-]*\d){8,}`)
)

// spamRules run in order; the first match names the flag.
var spamRules = []struct {
	name  string
	match func(string) bool
}{
	{"contact", sharesContact},
	{"char_flood", func(s string) bool { return longestRun(s) >= floodRun }},
	{"word_flood", func(s string) bool { return longestWordRepeat(s) >= floodWords }},
	{"wall", isWall},
}

func spamRule(text string) (string, bool) {
	for _, r := range spamRules {
		if r.match(text) {
			return r.name, true
		}
	}
	return "", false
}

// sharesContact reports links, e-mail addresses and phone numbers, which move
// an anonymous chat off the platform.
func sharesContact(s string) bool {
	return linkRe.MatchString(s) || emailRe.MatchString(s) || phoneRe.MatchString(s)
}

// longestRun returns the length of the longest run of one repeated
// non-space rune.
func longestRun(s string) int {
	best, run := 0, 0
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		prev = r
		best = max(best, run)
	}
	return best
}

// longestWordRepeat returns the most times one word appears back to back,
// ignoring case.
func longestWordRepeat(s string) int {
	best, run := 0, 0
	prev := ""
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if w == prev {
			run++
		} else {
			run, prev = 1, w
		}
		best = max(best, run)
	}
	return best
}

// isWall reports a long message built from only a handful of letters, the
// shape of pasted filler.
func isWall(s string) bool {
	if utf8.RuneCountInString(s) < wallChars {
		return false
	}
	seen := make(map[rune]struct{}, wallDistinct)
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		seen[unicode.ToLower(r)] = struct{}{}
		if len(seen) >= wallDistinct {
			return false
		}
	}
	return true
}
