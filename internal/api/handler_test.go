package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/user"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine() *engine.Engine {
	sessions := chat.NewMemoryStore(chat.DefaultOptions())
	pool := matching.NewMemoryPool(sessions, matching.DefaultStaleAfter)
	return engine.New(user.NewMemoryStore(), pool, sessions, ban.NewMemoryCounter(), engine.DefaultOptions())
}

func newTestRouter(svc Service, limiter ratelimit.Limiter) *gin.Engine {
	return NewRouter(NewHandler(svc, limiter))
}

func do(t *testing.T, r http.Handler, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func post(t *testing.T, r http.Handler, body map[string]any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return do(t, r, http.MethodPost, "/", body)
}

func TestRegisterAndProfile(t *testing.T) {
	r := newTestRouter(newTestEngine(), nil)

	w, body := post(t, r, map[string]any{"action": "register", "user_id": "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "alice", body["id"])
	assert.Equal(t, 4.5, body["rating"])
	assert.Equal(t, float64(0), body["totalChats"])
	assert.Contains(t, body, "blockedUntil")
	assert.Nil(t, body["blockedUntil"])

	w, body = do(t, r, http.MethodGet, "/?action=get_profile&user_id=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", body["id"])

	w, body = do(t, r, http.MethodGet, "/?action=get_profile&user_id=nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestConversationFlow(t *testing.T) {
	r := newTestRouter(newTestEngine(), nil)
	for _, id := range []string{"a", "b"} {
		w, _ := post(t, r, map[string]any{"action": "register", "user_id": id})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body := post(t, r, map[string]any{"action": "find_match", "user_id": "a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["matched"])
	assert.Equal(t, true, body["waiting"])

	w, body = post(t, r, map[string]any{
		"action": "find_match", "user_id": "b", "gender_preference": "any", "user_gender": "male",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["matched"])
	assert.Equal(t, "a", body["partner_id"])
	sid, _ := body["session_id"].(string)
	require.NotEmpty(t, sid)
	assert.NotContains(t, body, "waiting")

	// The waiting side learns about the session on its next poll.
	_, body = post(t, r, map[string]any{"action": "find_match", "user_id": "a"})
	assert.Equal(t, true, body["matched"])
	assert.Equal(t, sid, body["session_id"])
	assert.Equal(t, "b", body["partner_id"])

	w, body = post(t, r, map[string]any{"action": "send_message", "session_id": sid, "sender_id": "a", "message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["message_id"])
	assert.NotEmpty(t, body["timestamp"])

	_, _ = post(t, r, map[string]any{"action": "send_message", "session_id": sid, "sender_id": "b", "message": "hello"})

	w, body = do(t, r, http.MethodGet, "/api/chat?action=get_messages&session_id="+sid+"&since_id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	m := msgs[0].(map[string]any)
	assert.Equal(t, float64(2), m["id"])
	assert.Equal(t, "b", m["sender_id"])
	assert.Equal(t, "hello", m["text"])

	// since_id defaults to zero.
	_, body = do(t, r, http.MethodGet, "/?action=get_messages&session_id="+sid, nil)
	assert.Len(t, body["messages"], 2)

	w, body = post(t, r, map[string]any{"action": "rate", "session_id": sid, "rater_id": "a", "rating": 5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	w, body = post(t, r, map[string]any{"action": "rate", "session_id": sid, "rater_id": "a", "rating": 4})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_rating", body["code"])

	_, body = do(t, r, http.MethodGet, "/?action=get_profile&user_id=b", nil)
	assert.Equal(t, float64(5), body["rating"])
	assert.Equal(t, float64(1), body["totalChats"])

	w, body = post(t, r, map[string]any{"action": "send_message", "session_id": sid, "sender_id": "b", "message": "still there?"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "session_ended", body["code"])

	w, body = post(t, r, map[string]any{"action": "end_session", "session_id": sid, "user_id": "b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
}

func TestDispatchErrors(t *testing.T) {
	r := newTestRouter(newTestEngine(), nil)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"unknown action", http.MethodPost, "/", map[string]any{"action": "teleport"}, http.StatusBadRequest, "bad_request"},
		{"missing action", http.MethodPost, "/", map[string]any{"user_id": "a"}, http.StatusBadRequest, "bad_request"},
		{"empty body", http.MethodPost, "/", "", http.StatusBadRequest, "bad_request"},
		{"invalid json", http.MethodPost, "/", "{nope", http.StatusBadRequest, "bad_request"},
		{"unknown GET action", http.MethodGet, "/?action=teleport", nil, http.StatusBadRequest, "bad_request"},
		{"GET action via POST", http.MethodPost, "/", map[string]any{"action": "get_profile", "user_id": "a"}, http.StatusMethodNotAllowed, "method_not_allowed"},
		{"POST action via GET", http.MethodGet, "/?action=register&user_id=a", nil, http.StatusMethodNotAllowed, "method_not_allowed"},
		{"PUT", http.MethodPut, "/", map[string]any{"action": "register"}, http.StatusMethodNotAllowed, "method_not_allowed"},
		{"register without user", http.MethodPost, "/", map[string]any{"action": "register"}, http.StatusBadRequest, "bad_request"},
		{"bad gender", http.MethodPost, "/", map[string]any{"action": "find_match", "user_id": "a", "user_gender": "robot"}, http.StatusBadRequest, "bad_request"},
		{"find_match unregistered", http.MethodPost, "/", map[string]any{"action": "find_match", "user_id": "ghost"}, http.StatusNotFound, "not_found"},
		{"unknown session", http.MethodPost, "/", map[string]any{"action": "send_message", "session_id": "s", "sender_id": "a", "message": "x"}, http.StatusNotFound, "not_found"},
		{"bad since_id", http.MethodGet, "/?action=get_messages&session_id=s&since_id=abc", nil, http.StatusBadRequest, "bad_request"},
		{"negative since_id", http.MethodGet, "/?action=get_messages&session_id=s&since_id=-1", nil, http.StatusBadRequest, "bad_request"},
		{"fractional rating", http.MethodPost, "/", map[string]any{"action": "rate", "session_id": "s", "rater_id": "a", "rating": 4.5}, http.StatusBadRequest, "invalid_score"},
		{"rating out of range", http.MethodPost, "/", map[string]any{"action": "rate", "session_id": "s", "rater_id": "a", "rating": 6}, http.StatusBadRequest, "invalid_score"},
		{"missing rating", http.MethodPost, "/", map[string]any{"action": "rate", "session_id": "s", "rater_id": "a"}, http.StatusBadRequest, "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, r, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestMessageValidationErrors(t *testing.T) {
	r := newTestRouter(newTestEngine(), nil)
	for _, id := range []string{"a", "b"} {
		post(t, r, map[string]any{"action": "register", "user_id": id})
	}
	post(t, r, map[string]any{"action": "find_match", "user_id": "a"})
	_, body := post(t, r, map[string]any{"action": "find_match", "user_id": "b"})
	sid := body["session_id"].(string)

	w, body := post(t, r, map[string]any{"action": "send_message", "session_id": sid, "sender_id": "a", "message": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "empty_message", body["code"])

	w, body = post(t, r, map[string]any{"action": "send_message", "session_id": sid, "sender_id": "a", "message": strings.Repeat("x", chat.MaxTextChars+1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "message_too_long", body["code"])

	w, body = post(t, r, map[string]any{"action": "send_message", "session_id": sid, "sender_id": "mallory", "message": "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_participant", body["code"])
}

func TestBlockedUser(t *testing.T) {
	eng := newTestEngine()
	r := newTestRouter(eng, nil)
	post(t, r, map[string]any{"action": "register", "user_id": "troll"})

	_, err := eng.ApplyBlock(context.Background(), "troll", "test")
	require.NoError(t, err)

	w, body := post(t, r, map[string]any{"action": "find_match", "user_id": "troll"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "blocked", body["code"])

	_, body = do(t, r, http.MethodGet, "/?action=get_profile&user_id=troll", nil)
	assert.NotNil(t, body["blockedUntil"])
}

func TestPreflight(t *testing.T) {
	r := newTestRouter(newTestEngine(), nil)

	for _, path := range []string{"/", "/api/chat"} {
		w, _ := do(t, r, http.MethodOptions, path, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
		assert.Zero(t, w.Body.Len())
	}
}

type denyLimiter struct{ rules []string }

func (l *denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	l.rules = append(l.rules, rule.Key)
	return false, nil
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return true, errors.New("redis: connection refused")
}

func TestRateLimited(t *testing.T) {
	lim := &denyLimiter{}
	r := newTestRouter(newTestEngine(), lim)

	w, body := post(t, r, map[string]any{"action": "register", "user_id": "a"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", body["code"])

	w, _ = post(t, r, map[string]any{"action": "find_match", "user_id": "a"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w, _ = post(t, r, map[string]any{"action": "send_message", "session_id": "s", "sender_id": "a", "message": "x"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	assert.Equal(t, []string{ratelimit.RuleRegister.Key, ratelimit.RuleMatch.Key, ratelimit.RuleMessage.Key}, lim.rules)

	// Reads are never limited.
	w, _ = do(t, r, http.MethodGet, "/?action=get_profile&user_id=a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLimiterFailureLetsRequestsThrough(t *testing.T) {
	r := newTestRouter(newTestEngine(), brokenLimiter{})
	w, _ := post(t, r, map[string]any{"action": "register", "user_id": "a"})
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingService struct {
	Service
}

func (failingService) Register(context.Context, string) (*user.User, error) {
	return nil, errors.New("pq: connection reset by peer")
}

func TestTransientErrorIsHidden(t *testing.T) {
	r := newTestRouter(failingService{}, nil)

	w, body := post(t, r, map[string]any{"action": "register", "user_id": "a"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "transient", body["code"])
	assert.NotContains(t, body["error"], "pq")
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(newTestEngine(), nil)

	w, body := do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	post(t, r, map[string]any{"action": "register", "user_id": "a"})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pairchat_requests_total")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(engine.CodeTransient))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(engine.CodeRateLimited))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(engine.Code("mystery")))
}
