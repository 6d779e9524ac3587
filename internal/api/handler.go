// Package api serves the chat contract over HTTP. A single endpoint accepts
// every action: POST requests carry the action and its arguments in a JSON
// body, GET requests carry them in the query string.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/user"
)

// maxBodyBytes bounds a POST body. A maximal message JSON-escaped fits well
// within it.
const maxBodyBytes = 64 << 10

// Service is the set of operations the API exposes. *engine.Engine
// implements it.
type Service interface {
	Register(ctx context.Context, userID string) (*user.User, error)
	GetProfile(ctx context.Context, userID string) (*user.User, error)
	FindMatch(ctx context.Context, userID string, pref, gender matching.Gender) (matching.Outcome, error)
	SendMessage(ctx context.Context, sessionID, senderID, text string) (*chat.Message, error)
	GetMessages(ctx context.Context, sessionID string, sinceID int64) ([]chat.Message, error)
	Rate(ctx context.Context, sessionID, raterID string, score int) (*user.User, error)
	EndSession(ctx context.Context, sessionID, userID string) error
}

// Handler dispatches actions to the service.
type Handler struct {
	svc       Service
	limiter   ratelimit.Limiter
	startedAt time.Time
	actions   map[string]actionFunc
}

// actionFunc runs one action and returns the error code it answered with,
// or "" on success.
type actionFunc func(c *gin.Context, req protocol.Request) engine.Code

// NewHandler creates a handler. A nil limiter disables rate limiting.
func NewHandler(svc Service, limiter ratelimit.Limiter) *Handler {
	h := &Handler{svc: svc, limiter: limiter, startedAt: time.Now()}
	h.actions = map[string]actionFunc{
		protocol.ActionRegister:    h.register,
		protocol.ActionFindMatch:   h.findMatch,
		protocol.ActionSendMessage: h.sendMessage,
		protocol.ActionRate:        h.rate,
		protocol.ActionEndSession:  h.endSession,
		protocol.ActionGetMessages: h.getMessages,
		protocol.ActionGetProfile:  h.getProfile,
	}
	return h
}

// Dispatch is the single chat endpoint.
func (h *Handler) Dispatch(c *gin.Context) {
	start := time.Now()
	action, code := h.dispatch(c)

	label := string(code)
	if label == "" {
		label = "ok"
	}
	metrics.RequestsTotal.WithLabelValues(action, label).Inc()
	metrics.RequestLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (h *Handler) dispatch(c *gin.Context) (string, engine.Code) {
	var req protocol.Request
	switch c.Request.Method {
	case http.MethodGet:
		req = protocol.Request{
			Action:    c.Query("action"),
			UserID:    c.Query("user_id"),
			SessionID: c.Query("session_id"),
		}
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			writeCode(c, engine.CodeBadRequest, "request body too large or unreadable")
			return "unknown", engine.CodeBadRequest
		}
		req, err = protocol.ParseRequest(body)
		if err != nil {
			writeCode(c, engine.CodeBadRequest, "invalid JSON body")
			return "unknown", engine.CodeBadRequest
		}
	default:
		writeCode(c, engine.CodeMethodNotAllowed, "method not allowed")
		return "unknown", engine.CodeMethodNotAllowed
	}

	fn, ok := h.actions[req.Action]
	if !ok {
		msg := "action is required"
		if req.Action != "" {
			msg = fmt.Sprintf("unknown action %q", req.Action)
		}
		writeCode(c, engine.CodeBadRequest, msg)
		return "unknown", engine.CodeBadRequest
	}
	if method, _ := protocol.MethodFor(req.Action); method != c.Request.Method {
		writeCode(c, engine.CodeMethodNotAllowed, fmt.Sprintf("%s must be sent with %s", req.Action, method))
		return req.Action, engine.CodeMethodNotAllowed
	}
	return req.Action, fn(c, req)
}

// allow applies rule to identifier. Limiter failures let the request through.
func (h *Handler) allow(c *gin.Context, identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil || identifier == "" {
		return true
	}
	ok, err := h.limiter.Allow(c.Request.Context(), identifier, rule)
	if err != nil {
		log.Printf("[api] rate limiter error for %s%s: %v", rule.Key, identifier, err)
		return true
	}
	return ok
}

func rateLimited(c *gin.Context) engine.Code {
	writeCode(c, engine.CodeRateLimited, "too many requests, slow down")
	return engine.CodeRateLimited
}

func (h *Handler) register(c *gin.Context, req protocol.Request) engine.Code {
	if !h.allow(c, c.ClientIP(), ratelimit.RuleRegister) {
		return rateLimited(c)
	}
	u, err := h.svc.Register(c.Request.Context(), req.UserID)
	if err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.NewProfile(u))
	return ""
}

func (h *Handler) getProfile(c *gin.Context, req protocol.Request) engine.Code {
	u, err := h.svc.GetProfile(c.Request.Context(), req.UserID)
	if err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.NewProfile(u))
	return ""
}

func (h *Handler) findMatch(c *gin.Context, req protocol.Request) engine.Code {
	pref, err := matching.ParseGender(req.GenderPreference)
	if err != nil {
		return writeError(c, req.Action, fmt.Errorf("gender_preference: %w", err))
	}
	gender, err := matching.ParseGender(req.UserGender)
	if err != nil {
		return writeError(c, req.Action, fmt.Errorf("user_gender: %w", err))
	}
	if !h.allow(c, req.UserID, ratelimit.RuleMatch) {
		return rateLimited(c)
	}
	out, err := h.svc.FindMatch(c.Request.Context(), req.UserID, pref, gender)
	if err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.NewMatchResponse(out))
	return ""
}

func (h *Handler) sendMessage(c *gin.Context, req protocol.Request) engine.Code {
	if !h.allow(c, req.SenderID, ratelimit.RuleMessage) {
		return rateLimited(c)
	}
	msg, err := h.svc.SendMessage(c.Request.Context(), req.SessionID, req.SenderID, req.Message)
	if err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.NewSendAck(msg))
	return ""
}

func (h *Handler) getMessages(c *gin.Context, req protocol.Request) engine.Code {
	var sinceID int64
	if v := c.Query("since_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return writeError(c, req.Action, fmt.Errorf("%w: since_id must be an integer", engine.ErrBadRequest))
		}
		sinceID = n
	}
	msgs, err := h.svc.GetMessages(c.Request.Context(), req.SessionID, sinceID)
	if err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.NewMessagesResponse(msgs))
	return ""
}

func (h *Handler) rate(c *gin.Context, req protocol.Request) engine.Code {
	if req.Rating == nil {
		return writeError(c, req.Action, fmt.Errorf("%w: rating is required", engine.ErrBadRequest))
	}
	score, err := engine.ParseScore(*req.Rating)
	if err != nil {
		return writeError(c, req.Action, err)
	}
	if _, err := h.svc.Rate(c.Request.Context(), req.SessionID, req.RaterID, score); err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.SuccessResponse{Success: true})
	return ""
}

func (h *Handler) endSession(c *gin.Context, req protocol.Request) engine.Code {
	if err := h.svc.EndSession(c.Request.Context(), req.SessionID, req.UserID); err != nil {
		return writeError(c, req.Action, err)
	}
	c.JSON(http.StatusOK, protocol.SuccessResponse{Success: true})
	return ""
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}
