package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps users in process memory. It is the default backend for a
// single chatserver instance and for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
	rated map[string]time.Time // session_id + "/" + rater_id -> rated at
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		rated: make(map[string]time.Time),
	}
}

// Register creates the user with the default rating unless it already exists.
func (s *MemoryStore) Register(_ context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &User{ID: userID, Rating: DefaultRating}
		s.users[userID] = u
	}
	return copyUser(u), nil
}

// Get returns a snapshot of the user.
func (s *MemoryStore) Get(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// ApplyRating updates the ratee's running mean and chat count.
func (s *MemoryStore) ApplyRating(_ context.Context, r Rating) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[r.RateeID]
	if !ok {
		return nil, ErrNotFound
	}
	key := r.SessionID + "/" + r.RaterID
	if _, dup := s.rated[key]; dup {
		return nil, ErrDuplicateRating
	}
	s.rated[key] = r.At

	u.Rating = NextRating(u.Rating, u.TotalChats, r.Score)
	u.TotalChats++
	return copyUser(u), nil
}

// SweepRatings forgets ledger entries recorded before cutoff and returns how
// many were dropped. Callers pick a cutoff after which the rated session can
// no longer be found, so a dropped entry can never admit a duplicate.
func (s *MemoryStore) SweepRatings(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, at := range s.rated {
		if at.Before(cutoff) {
			delete(s.rated, key)
			n++
		}
	}
	return n
}

// SetBlockedUntil sets or clears the block expiry.
func (s *MemoryStore) SetBlockedUntil(_ context.Context, userID string, until *time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if until == nil {
		u.BlockedUntil = nil
	} else {
		t := until.UTC()
		u.BlockedUntil = &t
	}
	return copyUser(u), nil
}

func copyUser(u *User) *User {
	c := *u
	if u.BlockedUntil != nil {
		t := *u.BlockedUntil
		c.BlockedUntil = &t
	}
	return &c
}
