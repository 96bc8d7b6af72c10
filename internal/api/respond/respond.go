// Package respond writes the JSON envelope shared by every API endpoint.
package respond

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Error codes returned in the envelope.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeWeakPassword      = "WEAK_PASSWORD"
	CodeDuplicateUsername = "DUPLICATE_USERNAME"
	CodeWrongPassword     = "WRONG_PASSWORD"
	CodeServerError       = "SERVER_ERROR"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// ErrorBody is the error member of a failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope wraps every response body.
type Envelope struct {
	Success   bool       `json:"success"`
	Timestamp string     `json:"timestamp"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// now is replaced in tests.
var now = time.Now

// JSON writes a successful envelope around data.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Envelope{Success: true, Timestamp: stamp(), Data: data})
}

// Error writes a failed envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	write(w, status, Envelope{Success: false, Timestamp: stamp(), Error: &ErrorBody{Code: code, Message: message}})
}

// ServerError logs err and writes a generic 500.
func ServerError(w http.ResponseWriter, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	Error(w, http.StatusInternalServerError, CodeServerError, "An internal error occurred")
}

func stamp() string {
	return now().UTC().Format(timestampLayout)
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Warn().Err(err).Msg("Failed to write response body")
	}
}
