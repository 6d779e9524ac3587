// Package engine composes the user registry, waiting pool, session store and
// block policy into the operations exposed by the chat API. It holds no state
// of its own: every operation is a short sequence of atomic store calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/user"
)

// MessageObserver is notified after a message has been stored.
type MessageObserver interface {
	OnMessage(ctx context.Context, msg chat.Message)
}

// Options tune engine behaviour.
type Options struct {
	// RequireEndedBeforeRating rejects ratings of active sessions with
	// SessionNotEnded. By default a rating ends the session.
	RequireEndedBeforeRating bool
	// LowRatingThreshold strikes a user who receives this many ratings of
	// LowRatingScore or less within 24h. Zero disables the trigger.
	LowRatingThreshold int
	LowRatingScore     int
	// BlockPolicy chooses the block for a strike count.
	BlockPolicy func(strikes int, now time.Time) ban.Decision
	Observer    MessageObserver
	Now         func() time.Time
	NewID       func() string
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		LowRatingScore: user.MinScore,
		BlockPolicy:    ban.Escalate,
		Now:            time.Now,
		NewID:          uuid.NewString,
	}
}

// Engine is the matchmaking and session engine.
type Engine struct {
	users    user.Store
	pool     matching.Pool
	sessions chat.Store
	strikes  ban.Counter
	opts     Options
}

// New creates an engine. Zero-valued options fall back to the defaults.
func New(users user.Store, pool matching.Pool, sessions chat.Store, strikes ban.Counter, opts Options) *Engine {
	def := DefaultOptions()
	if opts.BlockPolicy == nil {
		opts.BlockPolicy = def.BlockPolicy
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.NewID == nil {
		opts.NewID = def.NewID
	}
	if opts.LowRatingScore == 0 {
		opts.LowRatingScore = def.LowRatingScore
	}
	return &Engine{users: users, pool: pool, sessions: sessions, strikes: strikes, opts: opts}
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrBadRequest, name)
	}
	return nil
}

// Register creates the user if absent and returns the stored profile.
func (e *Engine) Register(ctx context.Context, userID string) (*user.User, error) {
	if err := required("user_id", userID); err != nil {
		return nil, err
	}
	return e.users.Register(ctx, userID)
}

// GetProfile returns a registered user's profile.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*user.User, error) {
	if err := required("user_id", userID); err != nil {
		return nil, err
	}
	return e.users.Get(ctx, userID)
}

// FindMatch returns the caller's session if it has one, pairs it with the
// oldest compatible waiting user, or leaves it waiting. Blocked users are
// rejected before the pool is touched.
func (e *Engine) FindMatch(ctx context.Context, userID string, pref, gender matching.Gender) (matching.Outcome, error) {
	if err := required("user_id", userID); err != nil {
		return matching.Outcome{}, err
	}
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		return matching.Outcome{}, err
	}
	now := e.now()
	if u.IsBlocked(now) {
		if ban.IsPermanent(*u.BlockedUntil) {
			return matching.Outcome{}, fmt.Errorf("%w permanently", ErrBlocked)
		}
		return matching.Outcome{}, fmt.Errorf("%w until %s", ErrBlocked, u.BlockedUntil.Format(time.RFC3339))
	}

	out, err := e.pool.Match(ctx, matching.Ticket{UserID: userID, Preference: pref, Gender: gender}, e.opts.NewID(), now)
	if err != nil {
		return matching.Outcome{}, err
	}
	if out.Created {
		metrics.MatchesTotal.Inc()
		metrics.MatchWait.Observe(out.PartnerWaited.Seconds())
		log.Printf("[engine] matched %s with %s in session=%s (partner waited %s)",
			userID, out.PartnerID, out.SessionID, out.PartnerWaited.Round(time.Millisecond))
	}
	return out, nil
}

// SendMessage appends a message to an active session. Failures are reported
// in this order: unknown session, non-participant, ended session, invalid text.
func (e *Engine) SendMessage(ctx context.Context, sessionID, senderID, text string) (*chat.Message, error) {
	if err := required("session_id", sessionID); err != nil {
		return nil, err
	}
	if err := required("sender_id", senderID); err != nil {
		return nil, err
	}
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(senderID) {
		return nil, chat.ErrNotParticipant
	}
	if sess.State != chat.StateActive {
		return nil, chat.ErrSessionEnded
	}
	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	msg, err := e.sessions.Append(ctx, sessionID, senderID, text, e.now())
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	if e.opts.Observer != nil {
		e.opts.Observer.OnMessage(ctx, *msg)
	}
	return msg, nil
}

// GetMessages returns the messages of a session with id greater than sinceID.
func (e *Engine) GetMessages(ctx context.Context, sessionID string, sinceID int64) ([]chat.Message, error) {
	if err := required("session_id", sessionID); err != nil {
		return nil, err
	}
	if sinceID < 0 {
		return nil, fmt.Errorf("%w: since_id must not be negative", ErrBadRequest)
	}
	return e.sessions.Messages(ctx, sessionID, sinceID)
}

// ParseScore converts a client-supplied rating to a score in 1..5.
func ParseScore(v float64) (int, error) {
	if math.IsNaN(v) || v != math.Trunc(v) || v < user.MinScore || v > user.MaxScore {
		return 0, fmt.Errorf("%w: got %s", ErrInvalidScore, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return int(v), nil
}

// Rate applies the rater's score to the other participant. Rating an active
// session ends it unless RequireEndedBeforeRating is set.
func (e *Engine) Rate(ctx context.Context, sessionID, raterID string, score int) (*user.User, error) {
	if err := required("session_id", sessionID); err != nil {
		return nil, err
	}
	if err := required("rater_id", raterID); err != nil {
		return nil, err
	}
	if score < user.MinScore || score > user.MaxScore {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidScore, score)
	}

	now := e.now()
	rateeID, err := e.sessions.MarkRated(ctx, sessionID, raterID, e.opts.RequireEndedBeforeRating, now)
	if err != nil {
		return nil, err
	}

	ratee, err := e.users.ApplyRating(ctx, user.Rating{
		SessionID: sessionID,
		RaterID:   raterID,
		RateeID:   rateeID,
		Score:     score,
		At:        now,
	})
	if err != nil {
		if errors.Is(err, user.ErrDuplicateRating) {
			return nil, err
		}
		if uerr := e.sessions.UnmarkRated(ctx, sessionID, raterID); uerr != nil {
			log.Printf("[engine] unmark rating session=%s rater=%s: %v", sessionID, raterID, uerr)
		}
		return nil, fmt.Errorf("engine: rate: %w", err)
	}
	metrics.RatingsTotal.WithLabelValues(strconv.Itoa(score)).Inc()

	if e.opts.LowRatingThreshold > 0 && score <= e.opts.LowRatingScore {
		e.reportLowRating(ctx, rateeID)
	}
	return ratee, nil
}

func (e *Engine) reportLowRating(ctx context.Context, userID string) {
	n, err := e.strikes.Report(ctx, userID)
	if err != nil {
		log.Printf("[engine] report %s: %v", userID, err)
		return
	}
	if n < e.opts.LowRatingThreshold {
		return
	}
	if _, err := e.ApplyBlock(ctx, userID, "low_ratings"); err != nil {
		log.Printf("[engine] low rating block %s: %v", userID, err)
	}
}

// EndSession cancels the caller's waiting ticket and, when sessionID is set,
// ends that session. Ending an ended session is not an error.
func (e *Engine) EndSession(ctx context.Context, sessionID, userID string) error {
	if err := required("user_id", userID); err != nil {
		return err
	}
	if err := e.pool.Cancel(ctx, userID); err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}
	ended, err := e.sessions.End(ctx, sessionID, userID, e.now())
	if err != nil {
		return err
	}
	if ended {
		log.Printf("[engine] session=%s ended by %s", sessionID, userID)
	}
	return nil
}

// ApplyBlock records a strike against the user and blocks them for the
// duration the block policy assigns to their strike count. The user leaves
// the waiting pool and their active session is ended.
func (e *Engine) ApplyBlock(ctx context.Context, userID, reason string) (BlockResult, error) {
	if err := required("user_id", userID); err != nil {
		return BlockResult{}, err
	}
	if _, err := e.users.Get(ctx, userID); err != nil {
		return BlockResult{}, err
	}

	n, err := e.strikes.Strike(ctx, userID)
	if err != nil {
		return BlockResult{}, err
	}
	now := e.now()
	decision := e.opts.BlockPolicy(n, now)
	if _, err := e.users.SetBlockedUntil(ctx, userID, &decision.Until); err != nil {
		return BlockResult{}, err
	}
	metrics.BlocksTotal.WithLabelValues(decision.Tier).Inc()
	if decision.Permanent() {
		log.Printf("[engine] blocked %s permanently (strike %d): %s", userID, n, reason)
	} else {
		log.Printf("[engine] blocked %s (%s, strike %d) until %s: %s",
			userID, decision.Tier, n, decision.Until.Format(time.RFC3339), reason)
	}

	if err := e.pool.Cancel(ctx, userID); err != nil {
		log.Printf("[engine] cancel ticket of blocked %s: %v", userID, err)
	}
	sess, err := e.sessions.ActiveSessionFor(ctx, userID)
	if err != nil {
		log.Printf("[engine] active session of blocked %s: %v", userID, err)
	} else if sess != nil {
		if _, err := e.sessions.End(ctx, sess.ID, userID, now); err != nil {
			log.Printf("[engine] end session=%s of blocked %s: %v", sess.ID, userID, err)
		}
	}
	return BlockResult{UserID: userID, Decision: decision, Reason: reason}, nil
}

// Strike applies a block for a moderation verdict.
func (e *Engine) Strike(ctx context.Context, userID, reason string) error {
	_, err := e.ApplyBlock(ctx, userID, reason)
	return err
}

// Unblock lifts a user's block and clears their strikes.
func (e *Engine) Unblock(ctx context.Context, userID string) (*user.User, error) {
	if err := required("user_id", userID); err != nil {
		return nil, err
	}
	u, err := e.users.SetBlockedUntil(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	if err := e.strikes.Reset(ctx, userID); err != nil {
		return nil, err
	}
	log.Printf("[engine] unblocked %s", userID)
	return u, nil
}

// Strikes returns the user's strike count.
func (e *Engine) Strikes(ctx context.Context, userID string) (int, error) {
	return e.strikes.Strikes(ctx, userID)
}
