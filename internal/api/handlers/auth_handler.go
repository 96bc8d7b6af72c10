package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/models"
	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/rs/zerolog/log"
)

// SessionCommitter persists session changes and sets the matching cookie.
type SessionCommitter interface {
	Commit(ctx context.Context, w http.ResponseWriter, s *session.Session) error
}

// SocketCloser ends the live connections opened under a login.
type SocketCloser interface {
	CloseLogin(loginID string)
}

// AuthHandler serves login, logout and session verification.
type AuthHandler struct {
	service  services.AuthServiceProvider
	sessions SessionCommitter
	sockets  SocketCloser
}

// NewAuthHandler creates a new AuthHandler. sockets may be nil.
func NewAuthHandler(service services.AuthServiceProvider, sessions SessionCommitter, sockets SocketCloser) *AuthHandler {
	return &AuthHandler{service: service, sessions: sessions, sockets: sockets}
}

// LoginPayload defines the structure for login requests.
type LoginPayload struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// Login verifies credentials and binds the user to a fresh session id.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload LoginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Username == nil || payload.Password == nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "Username and password are required")
		return
	}

	sess := session.FromContext(r.Context())
	if sess == nil {
		respond.ServerError(w, errNoSession, "Login failed")
		return
	}

	username := strings.TrimSpace(*payload.Username)
	user, err := h.service.Login(r.Context(), sess, username, *payload.Password)
	if err != nil {
		writeServiceError(w, err, "Login failed")
		return
	}

	if err := h.sessions.Commit(r.Context(), w, sess); err != nil {
		respond.ServerError(w, err, "Failed to persist session after login")
		return
	}

	respond.JSON(w, http.StatusOK, struct {
		User    models.PublicUser `json:"user"`
		Message string            `json:"message"`
	}{user, "Login successful"})
}

// Logout clears the session and closes the dashboard sockets opened under it.
// It succeeds for anonymous sessions too.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := session.FromContext(r.Context()); sess != nil {
		user := h.service.GetUser(sess)
		h.service.Logout(r.Context(), sess)
		if err := h.sessions.Commit(r.Context(), w, sess); err != nil {
			respond.ServerError(w, err, "Failed to destroy session")
			return
		}
		if user != nil && h.sockets != nil {
			h.sockets.CloseLogin(user.LoginID)
		}
	}
	respond.JSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// VerifyResponse reports whether the session is authenticated.
type VerifyResponse struct {
	Authenticated bool               `json:"authenticated"`
	User          *models.PublicUser `json:"user,omitempty"`
}

// Verify reports the authentication state of the session.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	user := h.service.GetUser(session.FromContext(r.Context()))
	if user == nil {
		respond.JSON(w, http.StatusOK, VerifyResponse{})
		return
	}
	log.Debug().Str("username", user.Username).Msg("Session verified")
	respond.JSON(w, http.StatusOK, VerifyResponse{Authenticated: true, User: &user.PublicUser})
}
