package handlers

import (
	"errors"
	"net/http"

	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/services"
)

// writeServiceError maps service sentinel errors to envelope codes. Anything
// else is logged and reported as SERVER_ERROR.
func writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrInvalidRole),
		errors.Is(err, services.ErrPasswordTooLong):
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, capitalize(err.Error()))
	case errors.Is(err, services.ErrInvalidCredentials):
		respond.Error(w, http.StatusUnauthorized, respond.CodeAuthFailed, "Invalid credentials")
	case errors.Is(err, services.ErrWeakPassword):
		respond.Error(w, http.StatusBadRequest, respond.CodeWeakPassword, capitalize(err.Error()))
	case errors.Is(err, services.ErrDuplicateUsername):
		respond.Error(w, http.StatusConflict, respond.CodeDuplicateUsername, capitalize(err.Error()))
	case errors.Is(err, services.ErrWrongPassword):
		respond.Error(w, http.StatusBadRequest, respond.CodeWrongPassword, capitalize(err.Error()))
	case errors.Is(err, services.ErrNotFound):
		respond.Error(w, http.StatusNotFound, respond.CodeNotFound, capitalize(err.Error()))
	default:
		respond.ServerError(w, err, msg)
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// NotFound is the router's fallback for unknown paths.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respond.Error(w, http.StatusNotFound, respond.CodeNotFound, "Endpoint not found")
}

// MethodNotAllowed is the router's fallback for known paths with the wrong verb.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respond.Error(w, http.StatusMethodNotAllowed, respond.CodeMethodNotAllowed, "Method not allowed")
}
