package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// record is one session plus its message log. The record lock serializes
// appends within a session without blocking other sessions.
type record struct {
	mu   sync.RWMutex
	sess Session
	msgs []Message
}

// MemoryStore is the in-process Store. Lock order is store then record.
type MemoryStore struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*record
	active   map[string]string // user id -> active session id
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts,
		sessions: make(map[string]*record),
		active:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, id, a, b string, now time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return nil, fmt.Errorf("chat: create %s: duplicate session id", id)
	}
	if _, ok := s.active[a]; ok {
		return nil, fmt.Errorf("chat: create %s: %s: %w", id, a, ErrParticipantBusy)
	}
	if _, ok := s.active[b]; ok {
		return nil, fmt.Errorf("chat: create %s: %s: %w", id, b, ErrParticipantBusy)
	}

	rec := &record{sess: Session{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		State:        StateActive,
		CreatedAt:    now,
		LastActivity: now,
	}}
	s.sessions[id] = rec
	s.active[a] = id
	s.active[b] = id
	return copySession(&rec.sess), nil
}

func (s *MemoryStore) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return copySession(&rec.sess), nil
}

func (s *MemoryStore) ActiveSessionFor(ctx context.Context, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[userID]
	if !ok {
		return nil, nil
	}
	rec := s.sessions[id]
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return copySession(&rec.sess), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID, senderID, text string, now time.Time) (*Message, error) {
	rec, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.sess.IsParticipant(senderID) {
		return nil, ErrNotParticipant
	}
	if rec.sess.State != StateActive {
		return nil, ErrSessionEnded
	}
	msg := Message{
		ID:        int64(len(rec.msgs)) + 1,
		SessionID: sessionID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: now,
	}
	rec.msgs = append(rec.msgs, msg)
	if now.After(rec.sess.LastActivity) {
		rec.sess.LastActivity = now
	}
	return &msg, nil
}

func (s *MemoryStore) Messages(ctx context.Context, sessionID string, sinceID int64) ([]Message, error) {
	rec, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	if sinceID < 0 {
		sinceID = 0
	}
	if sinceID >= int64(len(rec.msgs)) {
		return []Message{}, nil
	}
	// Message n lives at index n-1.
	out := make([]Message, len(rec.msgs)-int(sinceID))
	copy(out, rec.msgs[sinceID:])
	return out, nil
}

func (s *MemoryStore) End(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.sess.IsParticipant(userID) {
		return false, ErrNotParticipant
	}
	return s.endLocked(rec, now), nil
}

// endLocked requires both s.mu and rec.mu held for writing.
func (s *MemoryStore) endLocked(rec *record, now time.Time) bool {
	if rec.sess.State == StateEnded {
		return false
	}
	rec.sess.State = StateEnded
	ended := now
	rec.sess.EndedAt = &ended
	for _, u := range []string{rec.sess.ParticipantA, rec.sess.ParticipantB} {
		if s.active[u] == rec.sess.ID {
			delete(s.active, u)
		}
	}
	return true
}

func (s *MemoryStore) MarkRated(ctx context.Context, sessionID, raterID string, requireEnded bool, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	sess := &rec.sess
	var flag *bool
	switch raterID {
	case sess.ParticipantA:
		flag = &sess.RatedA
	case sess.ParticipantB:
		flag = &sess.RatedB
	default:
		return "", ErrNotParticipant
	}
	if sess.State == StateActive && requireEnded {
		return "", ErrSessionNotEnded
	}
	if *flag {
		return "", ErrDuplicateRating
	}
	s.endLocked(rec, now)
	*flag = true
	return sess.Partner(raterID), nil
}

func (s *MemoryStore) UnmarkRated(ctx context.Context, sessionID, raterID string) error {
	rec, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch raterID {
	case rec.sess.ParticipantA:
		rec.sess.RatedA = false
	case rec.sess.ParticipantB:
		rec.sess.RatedB = false
	default:
		return ErrNotParticipant
	}
	return nil
}

// Sweep ends sessions idle longer than IdleTimeout and forgets ended
// sessions older than EndedRetention. It returns the number of sessions
// ended or removed.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.sessions {
		rec.mu.Lock()
		switch rec.sess.State {
		case StateActive:
			if s.opts.IdleTimeout > 0 && now.Sub(rec.sess.LastActivity) > s.opts.IdleTimeout {
				s.endLocked(rec, now)
				n++
			}
		case StateEnded:
			if s.opts.EndedRetention > 0 && now.Sub(*rec.sess.EndedAt) > s.opts.EndedRetention {
				delete(s.sessions, id)
				n++
			}
		}
		rec.mu.Unlock()
	}
	return n, nil
}

func (s *MemoryStore) ActiveCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.sessions {
		rec.mu.RLock()
		if rec.sess.State == StateActive {
			n++
		}
		rec.mu.RUnlock()
	}
	return n, nil
}

func copySession(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
