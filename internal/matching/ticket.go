// Package matching pairs waiting users into chat sessions. A user's ticket
// carries their own gender and the gender they want to talk to; two tickets
// are compatible when each side accepts the other. Pairing is first-come
// first-served: a new request is matched against the oldest compatible
// ticket, and the session is created in the same atomic step that removes
// both tickets.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Gender is used both for a user's own gender and for their preference.
type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
	Any    Gender = "any"
)

// DefaultStaleAfter is how long a ticket survives without a refreshing
// find_match poll. Clients poll every ~2s.
const DefaultStaleAfter = 10 * time.Second

var ErrInvalidGender = errors.New("matching: invalid gender")

// ParseGender parses a gender value. The empty string means Any.
func ParseGender(s string) (Gender, error) {
	switch g := Gender(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return Any, nil
	case Male, Female, Any:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGender, s)
	}
}

func (g Gender) accepts(other Gender) bool {
	return g == Any || g == other
}

// Ticket is a user's place in the waiting pool.
type Ticket struct {
	UserID      string
	Preference  Gender
	Gender      Gender
	EnqueuedAt  time.Time
	RefreshedAt time.Time
}

// Compatible reports whether a and b may be paired. The rule is symmetric:
// each side's preference must accept the other side's gender.
func Compatible(a, b Ticket) bool {
	return a.Preference.accepts(b.Gender) && b.Preference.accepts(a.Gender)
}

// Outcome is the result of a match attempt.
type Outcome struct {
	Matched   bool
	SessionID string
	PartnerID string
	// Created is set when this call paired two tickets, as opposed to
	// returning an existing session.
	Created bool
	// PartnerWaited is how long the paired ticket had been queued.
	PartnerWaited time.Duration
}

// Pool is the waiting pool.
type Pool interface {
	// Match returns the caller's active session if it has one, else pairs the
	// caller with the oldest compatible ticket using sessionID for the new
	// session, else upserts the caller's ticket and reports waiting.
	Match(ctx context.Context, t Ticket, sessionID string, now time.Time) (Outcome, error)
	// Cancel removes the user's ticket, if any.
	Cancel(ctx context.Context, userID string) error
	// Evict drops tickets not refreshed within the staleness window.
	Evict(ctx context.Context, now time.Time) (int, error)
	Size(ctx context.Context) (int64, error)
}
