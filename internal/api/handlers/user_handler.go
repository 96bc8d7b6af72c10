package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/models"
	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/rs/zerolog/log"
)

var errNoSession = errors.New("no session in request context")

// UserHandler handles HTTP requests for user management.
type UserHandler struct {
	service services.AuthServiceProvider
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(service services.AuthServiceProvider) *UserHandler {
	return &UserHandler{service: service}
}

// CreateUserPayload defines the structure for user creation requests.
type CreateUserPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Create handles new user creation by an administrator.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload CreateUserPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "Invalid request body")
		return
	}

	username := strings.TrimSpace(payload.Username)
	id, err := h.service.CreateUser(r.Context(), username, payload.Password, strings.TrimSpace(payload.Email), payload.Role)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("Failed to create user")
		writeServiceError(w, err, "Failed to create user")
		return
	}

	respond.JSON(w, http.StatusCreated, map[string]int64{"user_id": id})
}

// ChangePasswordPayload defines the structure for password change requests.
type ChangePasswordPayload struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword handles changing a user's password. Users may change their
// own password; admins may change anyone's.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "Invalid user id")
		return
	}

	current := h.service.GetUser(session.FromContext(r.Context()))
	if current == nil {
		respond.Error(w, http.StatusUnauthorized, respond.CodeUnauthorized, "Authentication required")
		return
	}
	if current.ID != id && current.Role != models.RoleAdmin {
		respond.Error(w, http.StatusForbidden, respond.CodeForbidden, "Insufficient permissions")
		return
	}

	var payload ChangePasswordPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidInput, "Invalid request body")
		return
	}

	if err := h.service.ChangePassword(r.Context(), id, payload.CurrentPassword, payload.NewPassword); err != nil {
		log.Warn().Err(err).Int64("user_id", id).Str("by", current.Username).Msg("Failed to change password")
		writeServiceError(w, err, "Failed to change password")
		return
	}

	respond.JSON(w, http.StatusOK, map[string]string{"message": "Password changed"})
}
