package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/protocol"
)

var statusByCode = map[engine.Code]int{
	engine.CodeNotFound:         http.StatusNotFound,
	engine.CodeBlocked:          http.StatusForbidden,
	engine.CodeNotParticipant:   http.StatusForbidden,
	engine.CodeSessionEnded:     http.StatusConflict,
	engine.CodeSessionNotEnded:  http.StatusConflict,
	engine.CodeInvalidScore:     http.StatusBadRequest,
	engine.CodeDuplicateRating:  http.StatusConflict,
	engine.CodeEmptyMessage:     http.StatusBadRequest,
	engine.CodeMessageTooLong:   http.StatusBadRequest,
	engine.CodeBadRequest:       http.StatusBadRequest,
	engine.CodeRateLimited:      http.StatusTooManyRequests,
	engine.CodeMethodNotAllowed: http.StatusMethodNotAllowed,
	engine.CodeTransient:        http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code engine.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeError classifies err and writes the error body. Transient failures
// are logged and answered with a generic message.
func writeError(c *gin.Context, action string, err error) engine.Code {
	code := engine.Classify(err)
	msg := err.Error()
	if code == engine.CodeTransient {
		log.Printf("[api] %s failed: %v", action, err)
		msg = "temporarily unavailable, retry later"
	}
	writeCode(c, code, msg)
	return code
}

func writeCode(c *gin.Context, code engine.Code, msg string) {
	c.JSON(StatusFor(code), protocol.ErrorResponse{Error: msg, Code: string(code)})
}
