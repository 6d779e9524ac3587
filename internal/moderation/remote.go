package moderation

import (
	"context"
	"encoding/json"
	"log"

	"github.com/whisper/pairchat/internal/chat"
)

// Publisher sends moderation requests to a worker.
type Publisher interface {
	PublishModerationRequest(data []byte) error
}

// Remote forwards each delivered message to a moderation worker. Results
// come back through HandleResult.
type Remote struct {
	pub     Publisher
	blocker Blocker
}

// NewRemote creates an observer that offloads review to a worker.
func NewRemote(pub Publisher, blocker Blocker) *Remote {
	return &Remote{pub: pub, blocker: blocker}
}

// OnMessage publishes a review request for msg.
func (m *Remote) OnMessage(ctx context.Context, msg chat.Message) {
	data, err := json.Marshal(ModerationRequest{
		SessionID: msg.SessionID,
		SenderID:  msg.SenderID,
		MessageID: msg.ID,
		Text:      msg.Text,
		Ts:        msg.Timestamp.UnixMilli(),
	})
	if err != nil {
		log.Printf("[moderation] marshal request: %v", err)
		return
	}
	if err := m.pub.PublishModerationRequest(data); err != nil {
		log.Printf("[moderation] publish request for session=%s: %v", msg.SessionID, err)
	}
}

// HandleResult applies a worker's verdict.
func (m *Remote) HandleResult(data []byte) {
	var res ModerationResult
	if err := json.Unmarshal(data, &res); err != nil {
		log.Printf("[moderation] invalid result: %v", err)
		return
	}
	enforce(context.Background(), m.blocker, res.SessionID, res.SenderID, res.MessageID,
		FilterResult{Verdict: res.Verdict, Reason: res.Reason, Term: res.Term})
}

// Worker answers moderation requests; it is the body of the moderator process.
type Worker struct {
	filter *Filter
	pub    func(data []byte) error
}

// NewWorker creates a worker that publishes results through pub.
func NewWorker(filter *Filter, pub func(data []byte) error) *Worker {
	return &Worker{filter: filter, pub: pub}
}

// HandleRequest reviews one request and publishes the result.
func (w *Worker) HandleRequest(data []byte) {
	var req ModerationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[moderator] invalid request: %v", err)
		return
	}
	res := w.filter.Review(req)
	out, err := json.Marshal(res)
	if err != nil {
		log.Printf("[moderator] marshal result: %v", err)
		return
	}
	if err := w.pub(out); err != nil {
		log.Printf("[moderator] publish result for session=%s: %v", req.SessionID, err)
		return
	}
	if res.Verdict != Clean {
		log.Printf("[moderator] %s session=%s sender=%s term=%s", res.Verdict, req.SessionID, req.SenderID, res.Term)
	}
}
