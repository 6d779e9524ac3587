package moderation

// ModerationRequest is published to moderation.check by the chatserver
// when a message needs async content review.
type ModerationRequest struct {
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// ModerationResult is published back to the chatserver with the review outcome.
type ModerationResult struct {
	SessionID string  `json:"session_id"`
	SenderID  string  `json:"sender_id"`
	MessageID int64   `json:"message_id"`
	Verdict   Verdict `json:"verdict"`
	Reason    string  `json:"reason,omitempty"`
	Term      string  `json:"term,omitempty"`
}

// Review runs the filter over a request and builds the result.
func (f *Filter) Review(req ModerationRequest) ModerationResult {
	res := f.Check(req.Text)
	return ModerationResult{
		SessionID: req.SessionID,
		SenderID:  req.SenderID,
		MessageID: req.MessageID,
		Verdict:   res.Verdict,
		Reason:    res.Reason,
		Term:      res.Term,
	}
}
