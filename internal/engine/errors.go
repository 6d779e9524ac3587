package engine

import (
	"errors"

	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/user"
)

var (
	ErrBlocked      = errors.New("engine: user is blocked")
	ErrInvalidScore = errors.New("engine: rating must be an integer from 1 to 5")
	ErrBadRequest   = errors.New("engine: bad request")
)

// Code is a stable error code returned to API clients.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeBlocked          Code = "blocked"
	CodeNotParticipant   Code = "not_participant"
	CodeSessionEnded     Code = "session_ended"
	CodeSessionNotEnded  Code = "session_not_ended"
	CodeInvalidScore     Code = "invalid_score"
	CodeDuplicateRating  Code = "duplicate_rating"
	CodeEmptyMessage     Code = "empty_message"
	CodeMessageTooLong   Code = "message_too_long"
	CodeBadRequest       Code = "bad_request"
	CodeRateLimited      Code = "rate_limited"
	CodeMethodNotAllowed Code = "method_not_allowed"
	CodeTransient        Code = "transient"
)

var codeTable = []struct {
	err  error
	code Code
}{
	{user.ErrNotFound, CodeNotFound},
	{chat.ErrSessionNotFound, CodeNotFound},
	{ErrBlocked, CodeBlocked},
	{chat.ErrNotParticipant, CodeNotParticipant},
	{chat.ErrSessionEnded, CodeSessionEnded},
	{chat.ErrSessionNotEnded, CodeSessionNotEnded},
	{ErrInvalidScore, CodeInvalidScore},
	{chat.ErrDuplicateRating, CodeDuplicateRating},
	{user.ErrDuplicateRating, CodeDuplicateRating},
	{chat.ErrEmptyMessage, CodeEmptyMessage},
	{chat.ErrMessageTooLong, CodeMessageTooLong},
	{chat.ErrInvalidText, CodeBadRequest},
	{matching.ErrInvalidGender, CodeBadRequest},
	{ErrBadRequest, CodeBadRequest},
}

// Classify maps an error returned by the engine to its code. Errors outside
// the taxonomy are storage or transport failures and classify as transient.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeTransient
}

// Retryable reports whether a caller may retry the request unchanged.
func (c Code) Retryable() bool {
	return c == CodeTransient || c == CodeRateLimited
}

// BlockResult describes a block applied by ApplyBlock.
type BlockResult struct {
	UserID   string
	Decision ban.Decision
	Reason   string
}
