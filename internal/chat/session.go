// Package chat holds paired chat sessions and their append-only message logs.
// Sessions are created by the matching pool, are owned jointly by their two
// participants and end exactly once. Message ids are 1, 2, 3, ... within a
// session so that polling clients can resume from the last id they saw.
package chat

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrSessionEnded    = errors.New("chat: session ended")
	ErrSessionNotEnded = errors.New("chat: session not ended")
	ErrNotParticipant  = errors.New("chat: not a participant")
	ErrDuplicateRating = errors.New("chat: session already rated by this participant")
	ErrParticipantBusy = errors.New("chat: participant already in an active session")
)

// Session is a chat between two users.
type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	State        State
	CreatedAt    time.Time
	EndedAt      *time.Time
	LastActivity time.Time
	RatedA       bool
	RatedB       bool
}

// IsParticipant reports whether userID is one of the two participants.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.ParticipantA || userID == s.ParticipantB
}

// Partner returns the other participant, or "" for non-participants.
func (s *Session) Partner(userID string) string {
	switch userID {
	case s.ParticipantA:
		return s.ParticipantB
	case s.ParticipantB:
		return s.ParticipantA
	}
	return ""
}

// Message is one entry of a session's message log.
type Message struct {
	ID        int64
	SessionID string
	SenderID  string
	Text      string
	Timestamp time.Time
}

// Store is the session store and message log. Mutations are atomic per
// session; reads return consistent snapshots.
type Store interface {
	// Create starts an active session between a and b. Only the matching
	// pool calls it, from inside its pairing transaction.
	Create(ctx context.Context, id, a, b string, now time.Time) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	// ActiveSessionFor returns the user's non-terminal session, or nil.
	ActiveSessionFor(ctx context.Context, userID string) (*Session, error)
	// Append assigns the next message id. The text must already be validated.
	Append(ctx context.Context, sessionID, senderID, text string, now time.Time) (*Message, error)
	// Messages returns all messages with id > sinceID in ascending order.
	Messages(ctx context.Context, sessionID string, sinceID int64) ([]Message, error)
	// End is idempotent; it reports whether this call performed the transition.
	End(ctx context.Context, sessionID, userID string, now time.Time) (bool, error)
	// MarkRated records that raterID rated the session and returns the ratee.
	// An active session is ended by the rating unless requireEnded is set, in
	// which case ErrSessionNotEnded is returned.
	MarkRated(ctx context.Context, sessionID, raterID string, requireEnded bool, now time.Time) (string, error)
	// UnmarkRated undoes MarkRated when the rating could not be applied.
	UnmarkRated(ctx context.Context, sessionID, raterID string) error
	// Sweep ends idle sessions and drops expired ended ones.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// ActiveCount returns the number of active sessions.
	ActiveCount(ctx context.Context) (int64, error)
}

// Options tune session expiry.
type Options struct {
	// IdleTimeout ends an active session with no messages for this long.
	IdleTimeout time.Duration
	// EndedRetention keeps an ended session's history readable for this long.
	EndedRetention time.Duration
}

// DefaultOptions returns the default expiry settings.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:    2 * time.Hour,
		EndedRetention: 2 * time.Hour,
	}
}
