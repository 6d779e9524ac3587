package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
)

var (
	ErrEmptyMessage   = errors.New("chat: message is empty")
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrInvalidText    = errors.New("chat: message is not valid UTF-8")
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLong, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d characters", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}
