package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/pairchat/internal/chat"
)

// Sessions is the part of the session store the pool needs.
type Sessions interface {
	ActiveSessionFor(ctx context.Context, userID string) (*chat.Session, error)
	Create(ctx context.Context, id, a, b string, now time.Time) (*chat.Session, error)
}

// MemoryPool is the in-process Pool. Its mutex is held across the scan and
// the session creation, so two requests can never claim the same ticket.
type MemoryPool struct {
	sessions   Sessions
	staleAfter time.Duration

	mu    sync.Mutex
	queue []*Ticket // insertion order, oldest first
}

// NewMemoryPool creates an empty pool creating sessions in the given store.
func NewMemoryPool(sessions Sessions, staleAfter time.Duration) *MemoryPool {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &MemoryPool{sessions: sessions, staleAfter: staleAfter}
}

func (p *MemoryPool) Match(ctx context.Context, t Ticket, sessionID string, now time.Time) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.sessions.ActiveSessionFor(ctx, t.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("matching: active session for %s: %w", t.UserID, err)
	}
	if active != nil {
		p.removeLocked(t.UserID)
		return Outcome{Matched: true, SessionID: active.ID, PartnerID: active.Partner(t.UserID)}, nil
	}

	kept := p.queue[:0]
	var partner *Ticket
	for _, other := range p.queue {
		if other.UserID == t.UserID {
			kept = append(kept, other)
			continue
		}
		if now.Sub(other.RefreshedAt) > p.staleAfter {
			continue
		}
		if partner == nil && Compatible(t, *other) {
			partner = other
			continue
		}
		kept = append(kept, other)
	}
	clear(p.queue[len(kept):])
	p.queue = kept

	if partner != nil {
		sess, err := p.sessions.Create(ctx, sessionID, partner.UserID, t.UserID, now)
		if err != nil {
			// Put the partner back at its original position.
			p.insertLocked(partner)
			return Outcome{}, fmt.Errorf("matching: create session: %w", err)
		}
		p.removeLocked(t.UserID)
		return Outcome{
			Matched:       true,
			SessionID:     sess.ID,
			PartnerID:     partner.UserID,
			Created:       true,
			PartnerWaited: now.Sub(partner.EnqueuedAt),
		}, nil
	}

	p.upsertLocked(t, now)
	return Outcome{}, nil
}

func (p *MemoryPool) upsertLocked(t Ticket, now time.Time) {
	for _, existing := range p.queue {
		if existing.UserID == t.UserID {
			existing.Preference = t.Preference
			existing.Gender = t.Gender
			existing.RefreshedAt = now
			return
		}
	}
	t.EnqueuedAt = now
	t.RefreshedAt = now
	p.queue = append(p.queue, &t)
}

func (p *MemoryPool) insertLocked(t *Ticket) {
	i := 0
	for i < len(p.queue) && !p.queue[i].EnqueuedAt.After(t.EnqueuedAt) {
		i++
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = t
}

func (p *MemoryPool) removeLocked(userID string) bool {
	for i, t := range p.queue {
		if t.UserID == userID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (p *MemoryPool) Cancel(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(userID)
	return nil
}

func (p *MemoryPool) Evict(ctx context.Context, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.queue[:0]
	for _, t := range p.queue {
		if now.Sub(t.RefreshedAt) <= p.staleAfter {
			kept = append(kept, t)
		}
	}
	removed := len(p.queue) - len(kept)
	clear(p.queue[len(kept):])
	p.queue = kept
	return removed, nil
}

func (p *MemoryPool) Size(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.queue)), nil
}

// Ticket returns a copy of the user's ticket, if queued.
func (p *MemoryPool) Ticket(userID string) (Ticket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.queue {
		if t.UserID == userID {
			return *t, true
		}
	}
	return Ticket{}, false
}
