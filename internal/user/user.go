// Package user is the registry of anonymous identities. A user is created on
// first registration with a neutral rating prior and is only ever mutated by
// ratings and blocks. Users are never deleted.
package user

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultRating is the rating prior assigned on registration.
	DefaultRating = 4.5

	// MinScore and MaxScore bound a single rating.
	MinScore = 1
	MaxScore = 5
)

var (
	// ErrNotFound is returned when a user id was never registered.
	ErrNotFound = errors.New("user: not found")

	// ErrDuplicateRating is returned when a rater already rated a session.
	ErrDuplicateRating = errors.New("user: duplicate rating")
)

// User is the profile of one anonymous identity.
type User struct {
	ID           string
	Rating       float64
	TotalChats   int
	BlockedUntil *time.Time
}

// IsBlocked reports whether the user is blocked at now.
func (u *User) IsBlocked(now time.Time) bool {
	return u.BlockedUntil != nil && now.Before(*u.BlockedUntil)
}

// Rating is one score given by a rater to the other participant of a session.
type Rating struct {
	SessionID string
	RaterID   string
	RateeID   string
	Score     int
	At        time.Time
}

// Store persists users. Every mutating method is one indivisible transaction.
type Store interface {
	// Register creates the user if absent and returns the stored record.
	Register(ctx context.Context, userID string) (*User, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, userID string) (*User, error)
	// ApplyRating folds r.Score into the ratee's running mean.
	ApplyRating(ctx context.Context, r Rating) (*User, error)
	// SetBlockedUntil stores or clears (nil) the block expiry.
	SetBlockedUntil(ctx context.Context, userID string, until *time.Time) (*User, error)
}

// NextRating returns the cumulative running mean after one more score.
func NextRating(rating float64, totalChats int, score int) float64 {
	return (rating*float64(totalChats) + float64(score)) / float64(totalChats+1)
}
