// Package protocol defines the request and response bodies of the chat API.
// Every call goes to a single endpoint and names its operation in an "action"
// field: in the JSON body for POST requests and in the query string for GET
// requests. Responses are flat JSON objects.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/user"
)

// ---------------------------------------------------------------------------
// Action constants
// ---------------------------------------------------------------------------

// POST actions.
const (
	ActionRegister    = "register"
	ActionFindMatch   = "find_match"
	ActionSendMessage = "send_message"
	ActionRate        = "rate"
	ActionEndSession  = "end_session"
)

// GET actions.
const (
	ActionGetMessages = "get_messages"
	ActionGetProfile  = "get_profile"
)

var actionMethods = map[string]string{
	ActionRegister:    http.MethodPost,
	ActionFindMatch:   http.MethodPost,
	ActionSendMessage: http.MethodPost,
	ActionRate:        http.MethodPost,
	ActionEndSession:  http.MethodPost,
	ActionGetMessages: http.MethodGet,
	ActionGetProfile:  http.MethodGet,
}

// MethodFor returns the HTTP method an action must be sent with, or false for
// unknown actions.
func MethodFor(action string) (string, bool) {
	m, ok := actionMethods[action]
	return m, ok
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Request is the JSON body of a POST call. Fields irrelevant to the action
// are ignored.
type Request struct {
	Action           string   `json:"action"`
	UserID           string   `json:"user_id,omitempty"`
	GenderPreference string   `json:"gender_preference,omitempty"`
	UserGender       string   `json:"user_gender,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	SenderID         string   `json:"sender_id,omitempty"`
	Message          string   `json:"message,omitempty"`
	RaterID          string   `json:"rater_id,omitempty"`
	Rating           *float64 `json:"rating,omitempty"`
}

// ParseRequest decodes a POST body. An empty body decodes to a request with
// no action.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if len(strings.TrimSpace(string(data))) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("protocol: failed to parse request: %w", err)
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// Profile is returned by register and get_profile.
type Profile struct {
	ID           string  `json:"id"`
	Rating       float64 `json:"rating"`
	TotalChats   int     `json:"totalChats"`
	BlockedUntil *string `json:"blockedUntil"`
}

// MatchResponse is returned by find_match.
type MatchResponse struct {
	Matched   bool   `json:"matched"`
	SessionID string `json:"session_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	Waiting   bool   `json:"waiting,omitempty"`
}

// SendAck is returned by send_message.
type SendAck struct {
	MessageID int64  `json:"message_id"`
	Timestamp string `json:"timestamp"`
}

// Message is one entry of a get_messages response.
type Message struct {
	ID        int64  `json:"id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// MessagesResponse is returned by get_messages. Messages is never null.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// SuccessResponse is returned by rate and end_session.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse carries a human readable message and a stable code.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// FormatTime renders t as RFC 3339 in UTC with sub-second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("protocol: invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// NewProfile converts a stored user to its wire form.
func NewProfile(u *user.User) Profile {
	p := Profile{ID: u.ID, Rating: u.Rating, TotalChats: u.TotalChats}
	if u.BlockedUntil != nil {
		s := FormatTime(*u.BlockedUntil)
		p.BlockedUntil = &s
	}
	return p
}

// NewMatchResponse converts a pool outcome to its wire form.
func NewMatchResponse(out matching.Outcome) MatchResponse {
	if !out.Matched {
		return MatchResponse{Waiting: true}
	}
	return MatchResponse{Matched: true, SessionID: out.SessionID, PartnerID: out.PartnerID}
}

// NewSendAck acknowledges a stored message.
func NewSendAck(m *chat.Message) SendAck {
	return SendAck{MessageID: m.ID, Timestamp: FormatTime(m.Timestamp)}
}

// NewMessagesResponse converts stored messages to their wire form.
func NewMessagesResponse(msgs []chat.Message) MessagesResponse {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Text:      m.Text,
			Timestamp: FormatTime(m.Timestamp),
		})
	}
	return MessagesResponse{Messages: out}
}
