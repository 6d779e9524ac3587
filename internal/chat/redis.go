package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// storedMessage is the JSON form of a message in the session list. The
// message id is its list position plus one and is not stored.
type storedMessage struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

// RedisStore keeps sessions in Redis hashes and messages in lists. Expiry
// is delegated to key TTLs: an active session expires after IdleTimeout
// without messages and an ended one after EndedRetention.
type RedisStore struct {
	rdb  *redis.Client
	opts Options

	createScript *redis.Script
	appendScript *redis.Script
	endScript    *redis.Script
	rateScript   *redis.Script
}

// NewRedisStore creates a session store backed by Redis.
func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		opts:         opts,
		createScript: redis.NewScript(createSessionLua),
		appendScript: redis.NewScript(appendMessageLua),
		endScript:    redis.NewScript(endSessionLua),
		rateScript:   redis.NewScript(markRatedLua),
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *RedisStore) idleSeconds() int64 { return int64(s.opts.IdleTimeout / time.Second) }

func (s *RedisStore) retentionSeconds() int64 { return int64(s.opts.EndedRetention / time.Second) }

// Create writes a new active session. The matching pool's own script does
// the same inside its pairing transaction; this path serves tooling and tests.
func (s *RedisStore) Create(ctx context.Context, id, a, b string, now time.Time) (*Session, error) {
	keys := []string{SessionKey(id), ActiveKey(a), ActiveKey(b), LiveKey}
	res, err := s.createScript.Run(ctx, s.rdb, keys, id, a, b, millis(now), s.idleSeconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("chat: create %s: %w", id, err)
	}
	switch res {
	case -1:
		return nil, fmt.Errorf("chat: create %s: duplicate session id", id)
	case -2:
		return nil, fmt.Errorf("chat: create %s: %w", id, ErrParticipantBusy)
	}
	return &Session{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		State:        StateActive,
		CreatedAt:    fromMillis(millis(now)),
		LastActivity: fromMillis(millis(now)),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	result, err := s.rdb.HGetAll(ctx, SessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get %s: %w", id, err)
	}
	if len(result) == 0 {
		return nil, ErrSessionNotFound
	}
	return parseSession(id, result), nil
}

func parseSession(id string, h map[string]string) *Session {
	createdAt, _ := strconv.ParseInt(h["created_at"], 10, 64)
	lastActivity, _ := strconv.ParseInt(h["last_activity"], 10, 64)
	sess := &Session{
		ID:           id,
		ParticipantA: h["user_a"],
		ParticipantB: h["user_b"],
		State:        State(h["status"]),
		CreatedAt:    fromMillis(createdAt),
		LastActivity: fromMillis(lastActivity),
		RatedA:       h["rated_a"] == "1",
		RatedB:       h["rated_b"] == "1",
	}
	if v, ok := h["ended_at"]; ok && v != "" {
		endedAt, _ := strconv.ParseInt(v, 10, 64)
		t := fromMillis(endedAt)
		sess.EndedAt = &t
	}
	return sess
}

func (s *RedisStore) ActiveSessionFor(ctx context.Context, userID string) (*Session, error) {
	id, err := s.rdb.Get(ctx, ActiveKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: active session for %s: %w", userID, err)
	}
	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.State != StateActive {
		return nil, nil
	}
	return sess, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID, senderID, text string, now time.Time) (*Message, error) {
	payload, err := json.Marshal(storedMessage{SenderID: senderID, Text: text, Ts: millis(now)})
	if err != nil {
		return nil, fmt.Errorf("chat: append: marshal: %w", err)
	}
	keys := []string{SessionKey(sessionID), MessagesKey(sessionID), LiveKey}
	id, err := s.appendScript.Run(ctx, s.rdb, keys,
		sessionID, senderID, string(payload), millis(now), s.idleSeconds()).Int64()
	if err != nil {
		return nil, fmt.Errorf("chat: append %s: %w", sessionID, err)
	}
	if err := scriptError(id); err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		SessionID: sessionID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: fromMillis(millis(now)),
	}, nil
}

func (s *RedisStore) Messages(ctx context.Context, sessionID string, sinceID int64) ([]Message, error) {
	if sinceID < 0 {
		sinceID = 0
	}
	var exists *redis.IntCmd
	var lrange *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, SessionKey(sessionID))
		lrange = pipe.LRange(ctx, MessagesKey(sessionID), sinceID, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat: messages %s: %w", sessionID, err)
	}
	if exists.Val() == 0 {
		return nil, ErrSessionNotFound
	}

	raw := lrange.Val()
	out := make([]Message, 0, len(raw))
	for i, r := range raw {
		var sm storedMessage
		if err := json.Unmarshal([]byte(r), &sm); err != nil {
			return nil, fmt.Errorf("chat: messages %s: decode: %w", sessionID, err)
		}
		out = append(out, Message{
			ID:        sinceID + int64(i) + 1,
			SessionID: sessionID,
			SenderID:  sm.SenderID,
			Text:      sm.Text,
			Timestamp: fromMillis(sm.Ts),
		})
	}
	return out, nil
}

func (s *RedisStore) End(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	keys := []string{SessionKey(sessionID), MessagesKey(sessionID), LiveKey}
	res, err := s.endScript.Run(ctx, s.rdb, keys,
		sessionID, userID, millis(now), s.retentionSeconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("chat: end %s: %w", sessionID, err)
	}
	if err := scriptError(res); err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) MarkRated(ctx context.Context, sessionID, raterID string, requireEnded bool, now time.Time) (string, error) {
	keys := []string{SessionKey(sessionID), MessagesKey(sessionID), LiveKey}
	flag := 0
	if requireEnded {
		flag = 1
	}
	res, err := s.rateScript.Run(ctx, s.rdb, keys,
		sessionID, raterID, flag, millis(now), s.retentionSeconds()).Slice()
	if err != nil {
		return "", fmt.Errorf("chat: mark rated %s: %w", sessionID, err)
	}
	code, _ := res[0].(int64)
	if err := scriptError(code); err != nil {
		return "", err
	}
	ratee, _ := res[1].(string)
	return ratee, nil
}

func (s *RedisStore) UnmarkRated(ctx context.Context, sessionID, raterID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	field := "rated_b"
	switch raterID {
	case sess.ParticipantA:
		field = "rated_a"
	case sess.ParticipantB:
	default:
		return ErrNotParticipant
	}
	if err := s.rdb.HSet(ctx, SessionKey(sessionID), field, "0").Err(); err != nil {
		return fmt.Errorf("chat: unmark rated %s: %w", sessionID, err)
	}
	return nil
}

// Sweep drops live-set entries whose session has been idle past the
// timeout. The session keys themselves are expired by Redis.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := millis(now.Add(-s.opts.IdleTimeout))
	n, err := s.rdb.ZRemRangeByScore(ctx, LiveKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("chat: sweep: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, LiveKey).Result()
	if err != nil {
		return 0, fmt.Errorf("chat: active count: %w", err)
	}
	return n, nil
}

// scriptError maps the negative status codes returned by the Lua scripts.
func scriptError(code int64) error {
	switch code {
	case -1:
		return ErrSessionNotFound
	case -2:
		return ErrSessionEnded
	case -3:
		return ErrNotParticipant
	case -4:
		return ErrSessionNotEnded
	case -5:
		return ErrDuplicateRating
	}
	return nil
}

// createSessionLua writes a session hash and both active pointers unless
// either participant is already in a live session. Returns:
//
//	1 = created
//	-1 = session id exists
//	-2 = participant busy
const createSessionLua = `
local id = ARGV[1]
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
for i = 2, 3 do
    local other = redis.call('GET', KEYS[i])
    if other and redis.call('HGET', 'chat:' .. other, 'status') == 'active' then
        return -2
    end
end
redis.call('HSET', KEYS[1],
    'user_a', ARGV[2], 'user_b', ARGV[3], 'status', 'active',
    'created_at', ARGV[4], 'last_activity', ARGV[4],
    'seq', 0, 'rated_a', '0', 'rated_b', '0')
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('SET', KEYS[2], id, 'EX', ARGV[5])
redis.call('SET', KEYS[3], id, 'EX', ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[4], id)
return 1
`

// appendMessageLua appends to an active session and refreshes its TTLs.
// Returns the new message id or -1/-2/-3.
const appendMessageLua = `
local id = ARGV[1]
local sender = ARGV[2]
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local a = redis.call('HGET', KEYS[1], 'user_a')
local b = redis.call('HGET', KEYS[1], 'user_b')
if sender ~= a and sender ~= b then return -3 end
if status ~= 'active' then return -2 end

local seq = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[1], 'last_activity', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[4], id)

local ttl = ARGV[5]
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', 'chat:active:' .. a, ttl)
redis.call('EXPIRE', 'chat:active:' .. b, ttl)
return seq
`

// endSessionLua is shared by end and rate. Returns:
//
//	1 = ended by this call
//	0 = already ended
//	-1 = not found
//	-3 = not a participant
const endSessionLua = `
local id = ARGV[1]
local user = ARGV[2]
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
local a = redis.call('HGET', KEYS[1], 'user_a')
local b = redis.call('HGET', KEYS[1], 'user_b')
if user ~= a and user ~= b then return -3 end
if status == 'ended' then return 0 end

redis.call('HSET', KEYS[1], 'status', 'ended', 'ended_at', ARGV[3])
redis.call('ZREM', KEYS[3], id)
for _, u in ipairs({a, b}) do
    local k = 'chat:active:' .. u
    if redis.call('GET', k) == id then redis.call('DEL', k) end
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`

// markRatedLua sets the rater's flag, ending the session first when it is
// still active. Returns {1, ratee} or {code, ''}.
const markRatedLua = `
local id = ARGV[1]
local rater = ARGV[2]
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {-1, ''} end
local a = redis.call('HGET', KEYS[1], 'user_a')
local b = redis.call('HGET', KEYS[1], 'user_b')
local field, ratee
if rater == a then
    field, ratee = 'rated_a', b
elseif rater == b then
    field, ratee = 'rated_b', a
else
    return {-3, ''}
end
if status == 'active' and ARGV[3] == '1' then return {-4, ''} end
if redis.call('HGET', KEYS[1], field) == '1' then return {-5, ''} end

if status == 'active' then
    redis.call('HSET', KEYS[1], 'status', 'ended', 'ended_at', ARGV[4])
    redis.call('ZREM', KEYS[3], id)
    for _, u in ipairs({a, b}) do
        local k = 'chat:active:' .. u
        if redis.call('GET', k) == id then redis.call('DEL', k) end
    end
    redis.call('EXPIRE', KEYS[1], ARGV[5])
    redis.call('EXPIRE', KEYS[2], ARGV[5])
end
redis.call('HSET', KEYS[1], field, '1')
return {1, ratee}
`
