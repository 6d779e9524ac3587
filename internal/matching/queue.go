package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whisper/pairchat/internal/chat"
)

const (
	// Redis key patterns for matching data structures.
	keyMatchQueue   = "match:queue"   // Sorted set of every waiting user, score = enqueue timestamp (ms)
	keyBucketPrefix = "match:queue:"  // + <pref>:<gender> -> Sorted set, same scores
	keyTicketPrefix = "match:ticket:" // + <user_id> -> Hash
)

var genders = []Gender{Male, Female, Any}

// bucketKey is the sorted set holding tickets with this preference and
// gender. Every member of a bucket is interchangeable for pairing, so the
// oldest compatible ticket is always the head of one of the buckets.
func bucketKey(pref, gender Gender) string {
	return keyBucketPrefix + string(pref) + ":" + string(gender)
}

// queueKeys returns the pool-wide queue followed by the nine buckets.
func queueKeys() []string {
	keys := []string{keyMatchQueue}
	for _, p := range genders {
		for _, g := range genders {
			keys = append(keys, bucketKey(p, g))
		}
	}
	return keys
}

// RedisPool keeps the waiting pool in Redis. Each match attempt runs as one
// Lua script, so concurrent requests from several chatserver replicas
// cannot pair the same ticket twice.
type RedisPool struct {
	rdb        *redis.Client
	staleAfter time.Duration
	sessionTTL time.Duration

	matchScript *redis.Script
	evictScript *redis.Script
}

// NewRedisPool creates a pool backed by Redis. Sessions it creates use the
// chat package key layout and expire after sessionTTL without activity.
func NewRedisPool(rdb *redis.Client, staleAfter, sessionTTL time.Duration) *RedisPool {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RedisPool{
		rdb:         rdb,
		staleAfter:  staleAfter,
		sessionTTL:  sessionTTL,
		matchScript: redis.NewScript(matchLua),
		evictScript: redis.NewScript(evictLua),
	}
}

func (p *RedisPool) Match(ctx context.Context, t Ticket, sessionID string, now time.Time) (Outcome, error) {
	keys := []string{keyMatchQueue, keyTicketPrefix + t.UserID, chat.ActiveKey(t.UserID), chat.LiveKey}
	res, err := p.matchScript.Run(ctx, p.rdb, keys,
		t.UserID,
		string(t.Preference),
		string(t.Gender),
		now.UnixMilli(),
		p.staleAfter.Milliseconds(),
		sessionID,
		int64(p.sessionTTL/time.Second),
	).Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("matching: match %s: %w", t.UserID, err)
	}
	return parseMatchResult(res, now)
}

// parseMatchResult decodes {status, session_id, partner_id, partner_enqueued_ms}.
// status is 0 = waiting, 1 = existing session, 2 = created.
func parseMatchResult(res []interface{}, now time.Time) (Outcome, error) {
	if len(res) == 0 {
		return Outcome{}, errors.New("matching: empty script result")
	}
	status, _ := res[0].(int64)
	if status == 0 {
		return Outcome{}, nil
	}
	if len(res) < 3 {
		return Outcome{}, fmt.Errorf("matching: short script result: %v", res)
	}
	out := Outcome{Matched: true}
	out.SessionID, _ = res[1].(string)
	out.PartnerID, _ = res[2].(string)
	if status == 2 {
		out.Created = true
		if len(res) > 3 {
			enq, _ := res[3].(string)
			if ms, err := strconv.ParseInt(enq, 10, 64); err == nil {
				out.PartnerWaited = now.Sub(time.UnixMilli(ms))
			}
		}
	}
	return out, nil
}

func (p *RedisPool) Cancel(ctx context.Context, userID string) error {
	pipe := p.rdb.TxPipeline()
	for _, key := range queueKeys() {
		pipe.ZRem(ctx, key, userID)
	}
	pipe.Del(ctx, keyTicketPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: cancel %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPool) Evict(ctx context.Context, now time.Time) (int, error) {
	n, err := p.evictScript.Run(ctx, p.rdb, []string{keyMatchQueue},
		now.UnixMilli(), p.staleAfter.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("matching: evict: %w", err)
	}
	return n, nil
}

// Size returns the number of users currently in the waiting pool.
func (p *RedisPool) Size(ctx context.Context) (int64, error) {
	n, err := p.rdb.ZCard(ctx, keyMatchQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("matching: size: %w", err)
	}
	return n, nil
}

// Ticket returns the user's ticket, if queued.
func (p *RedisPool) Ticket(ctx context.Context, userID string) (Ticket, bool, error) {
	h, err := p.rdb.HGetAll(ctx, keyTicketPrefix+userID).Result()
	if err != nil {
		return Ticket{}, false, fmt.Errorf("matching: ticket %s: %w", userID, err)
	}
	if len(h) == 0 {
		return Ticket{}, false, nil
	}
	enq, _ := strconv.ParseInt(h["enqueued_at"], 10, 64)
	ref, _ := strconv.ParseInt(h["refreshed_at"], 10, 64)
	return Ticket{
		UserID:      userID,
		Preference:  Gender(h["pref"]),
		Gender:      Gender(h["gender"]),
		EnqueuedAt:  time.UnixMilli(enq).UTC(),
		RefreshedAt: time.UnixMilli(ref).UTC(),
	}, true, nil
}

// queueLua is shared by the scripts below. KEYS[1] is always the pool-wide
// queue.
const queueLua = `
local genders = {'male', 'female', 'any'}

local function bucket(p, g)
    return 'match:queue:' .. p .. ':' .. g
end

local function unqueue(u)
    redis.call('ZREM', KEYS[1], u)
    for _, p in ipairs(genders) do
        for _, g in ipairs(genders) do
            redis.call('ZREM', bucket(p, g), u)
        end
    end
    redis.call('DEL', 'match:ticket:' .. u)
end
`

// matchLua is the whole find_match transaction.
//
//	KEYS: queue, caller ticket, caller active pointer, live sessions
//	ARGV: user, pref, gender, now_ms, stale_ms, session_id, session_ttl_s
const matchLua = queueLua + `
local user = ARGV[1]
local pref = ARGV[2]
local gender = ARGV[3]
local now = tonumber(ARGV[4])
local stale = tonumber(ARGV[5])
local sid = ARGV[6]
local ttl = ARGV[7]

-- 1. an active session wins
local current = redis.call('GET', KEYS[3])
if current then
    local sk = 'chat:' .. current
    if redis.call('HGET', sk, 'status') == 'active' then
        local a = redis.call('HGET', sk, 'user_a')
        local b = redis.call('HGET', sk, 'user_b')
        local partner = a
        if a == user then partner = b end
        unqueue(user)
        return {1, current, partner}
    end
    redis.call('DEL', KEYS[3])
end

local function accepts(want, is)
    return want == 'any' or want == is
end

-- oldest fresh ticket in a bucket other than the caller's own
local function head(key)
    local i = 0
    while true do
        local e = redis.call('ZRANGE', key, i, i, 'WITHSCORES')
        if #e == 0 then return nil end
        local other = e[1]
        if other == user then
            i = i + 1
        else
            local r = redis.call('HGET', 'match:ticket:' .. other, 'refreshed_at')
            if not r or (now - tonumber(r)) > stale then
                unqueue(other)
            else
                return other, tonumber(e[2])
            end
        end
    end
end

-- 2. oldest compatible ticket across the compatible buckets
local best, best_score
for _, p in ipairs(genders) do
    for _, g in ipairs(genders) do
        if accepts(pref, g) and accepts(p, gender) then
            local other, score = head(bucket(p, g))
            if other and (not best or score < best_score) then
                best, best_score = other, score
            end
        end
    end
end

if best then
    local enq = redis.call('HGET', 'match:ticket:' .. best, 'enqueued_at')
    unqueue(user)
    unqueue(best)

    local sk = 'chat:' .. sid
    redis.call('HSET', sk,
        'user_a', best, 'user_b', user, 'status', 'active',
        'created_at', ARGV[4], 'last_activity', ARGV[4],
        'seq', 0, 'rated_a', '0', 'rated_b', '0')
    redis.call('EXPIRE', sk, ttl)
    redis.call('SET', KEYS[3], sid, 'EX', ttl)
    redis.call('SET', 'chat:active:' .. best, sid, 'EX', ttl)
    redis.call('ZADD', KEYS[4], ARGV[4], sid)
    return {2, sid, best, enq}
end

-- 3. wait, keeping the original queue position
local old = redis.call('HMGET', KEYS[2], 'pref', 'gender', 'enqueued_at')
local enq = old[3]
if not enq then enq = ARGV[4] end
if old[1] and (old[1] ~= pref or old[2] ~= gender) then
    redis.call('ZREM', bucket(old[1], old[2]), user)
end
redis.call('ZADD', KEYS[1], enq, user)
redis.call('ZADD', bucket(pref, gender), enq, user)
redis.call('HSET', KEYS[2], 'pref', pref, 'gender', gender,
    'enqueued_at', enq, 'refreshed_at', ARGV[4])
redis.call('PEXPIRE', KEYS[2], stale * 6)
return {0}
`

// evictLua drops queued users whose ticket is missing or stale.
const evictLua = queueLua + `
local now = tonumber(ARGV[1])
local stale = tonumber(ARGV[2])
local removed = 0
for _, user in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
    local refreshed = redis.call('HGET', 'match:ticket:' .. user, 'refreshed_at')
    if not refreshed or (now - tonumber(refreshed)) > stale then
        unqueue(user)
        removed = removed + 1
    end
end
return removed
`
