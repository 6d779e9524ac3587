// Package client is a Go client for the pairchat HTTP API. It mirrors the
// browser client: every call is a single request to the chat endpoint, and
// waiting for a partner or for new messages is done by polling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/whisper/pairchat/internal/protocol"
)

// Polling intervals used by the browser client.
const (
	MatchPollInterval   = 2 * time.Second
	MessagePollInterval = 1 * time.Second
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the request may be retried unchanged.
func (e *APIError) Retryable() bool {
	return e.Code == "transient" || e.Code == "rate_limited"
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client calls one pairchat endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client for endpoint, e.g. "http://localhost:8080/api/chat".
// A nil httpClient uses a client with a 10 second timeout.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

// Register creates the user if needed and returns its profile.
func (c *Client) Register(ctx context.Context, userID string) (*protocol.Profile, error) {
	var p protocol.Profile
	err := c.post(ctx, protocol.Request{Action: protocol.ActionRegister, UserID: userID}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile returns a user's profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (*protocol.Profile, error) {
	var p protocol.Profile
	q := url.Values{"action": {protocol.ActionGetProfile}, "user_id": {userID}}
	if err := c.get(ctx, q, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindMatch makes one pairing attempt. An empty preference or gender means
// "any".
func (c *Client) FindMatch(ctx context.Context, userID, preference, gender string) (*protocol.MatchResponse, error) {
	var m protocol.MatchResponse
	err := c.post(ctx, protocol.Request{
		Action:           protocol.ActionFindMatch,
		UserID:           userID,
		GenderPreference: preference,
		UserGender:       gender,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// WaitForMatch polls FindMatch every interval until the user is matched or
// ctx is done. Polling also keeps the user's ticket fresh.
func (c *Client) WaitForMatch(ctx context.Context, userID, preference, gender string, interval time.Duration) (*protocol.MatchResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m, err := c.FindMatch(ctx, userID, preference, gender)
		if err != nil && !retryable(err) {
			return nil, err
		}
		if err == nil && m.Matched {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendMessage posts a message and returns its id.
func (c *Client) SendMessage(ctx context.Context, sessionID, senderID, text string) (*protocol.SendAck, error) {
	var ack protocol.SendAck
	err := c.post(ctx, protocol.Request{
		Action:    protocol.ActionSendMessage,
		SessionID: sessionID,
		SenderID:  senderID,
		Message:   text,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// GetMessages returns the session's messages with id greater than sinceID.
func (c *Client) GetMessages(ctx context.Context, sessionID string, sinceID int64) ([]protocol.Message, error) {
	var resp protocol.MessagesResponse
	q := url.Values{
		"action":     {protocol.ActionGetMessages},
		"session_id": {sessionID},
		"since_id":   {strconv.FormatInt(sinceID, 10)},
	}
	if err := c.get(ctx, q, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Rate scores the other participant of a session.
func (c *Client) Rate(ctx context.Context, sessionID, raterID string, score int) error {
	rating := float64(score)
	return c.post(ctx, protocol.Request{
		Action:    protocol.ActionRate,
		SessionID: sessionID,
		RaterID:   raterID,
		Rating:    &rating,
	}, &protocol.SuccessResponse{})
}

// EndSession ends the session and withdraws the user's waiting ticket. An
// empty sessionID only withdraws the ticket.
func (c *Client) EndSession(ctx context.Context, sessionID, userID string) error {
	return c.post(ctx, protocol.Request{
		Action:    protocol.ActionEndSession,
		SessionID: sessionID,
		UserID:    userID,
	}, &protocol.SuccessResponse{})
}

func (c *Client) post(ctx context.Context, req protocol.Request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", req.Action, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: %s: %w", req.Action, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, req.Action, out)
}

func (c *Client) get(ctx context.Context, q url.Values, out any) error {
	action := q.Get("action")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("client: %s: %w", action, err)
	}
	return c.do(httpReq, action, out)
}

func (c *Client) do(req *http.Request, action string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: %s: read body: %w", action, err)
	}
	if resp.StatusCode/100 != 2 {
		var e protocol.ErrorResponse
		if err := json.Unmarshal(data, &e); err != nil || e.Code == "" {
			code := "unexpected_response"
			if resp.StatusCode >= 500 {
				code = "transient"
			}
			return &APIError{Status: resp.StatusCode, Code: code, Message: http.StatusText(resp.StatusCode)}
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: %s: decode response: %w", action, err)
	}
	return nil
}

func retryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
