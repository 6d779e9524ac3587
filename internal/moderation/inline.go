package moderation

import (
	"context"
	"log"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/metrics"
)

// Blocker applies a strike to a user.
type Blocker interface {
	Strike(ctx context.Context, userID, reason string) error
}

// BlockerFunc adapts a function to Blocker.
type BlockerFunc func(ctx context.Context, userID, reason string) error

func (f BlockerFunc) Strike(ctx context.Context, userID, reason string) error {
	return f(ctx, userID, reason)
}

// Inline reviews each delivered message in-process. The message itself
// stays in the log whatever the verdict.
type Inline struct {
	filter  *Filter
	blocker Blocker
}

// NewInline creates an in-process moderation observer.
func NewInline(filter *Filter, blocker Blocker) *Inline {
	return &Inline{filter: filter, blocker: blocker}
}

// OnMessage is called after a message has been appended.
func (m *Inline) OnMessage(ctx context.Context, msg chat.Message) {
	enforce(ctx, m.blocker, msg.SessionID, msg.SenderID, msg.ID, m.filter.Check(msg.Text))
}

// enforce counts a non-clean verdict and strikes the sender when the verdict
// asks for it.
func enforce(ctx context.Context, blocker Blocker, sessionID, senderID string, messageID int64, res FilterResult) {
	if res.Verdict == Clean || res.Verdict == "" {
		return
	}
	metrics.MessagesTotal.WithLabelValues("flagged").Inc()
	log.Printf("[moderation] %s message %d in session=%s sender=%s reason=%s term=%s",
		res.Verdict, messageID, sessionID, senderID, res.Reason, res.Term)
	if res.Verdict != Strike {
		return
	}
	if err := blocker.Strike(ctx, senderID, res.Reason); err != nil {
		log.Printf("[moderation] strike %s: %v", senderID, err)
	}
}
