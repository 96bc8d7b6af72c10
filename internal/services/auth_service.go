package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/openclaw-command-center/internal/models"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the shortest password accepted for new credentials.
	MinPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit

	// DefaultLoginDelay is applied to every failed login, whatever the cause.
	DefaultLoginDelay = 250 * time.Millisecond
)

// AuthServiceProvider defines the session-based authentication operations.
type AuthServiceProvider interface {
	Login(ctx context.Context, sess *session.Session, username, password string) (models.PublicUser, error)
	Logout(ctx context.Context, sess *session.Session)
	IsLoggedIn(sess *session.Session) bool
	GetUser(sess *session.Session) *models.SessionUser
	HasRole(sess *session.Session, role string) bool
	CreateUser(ctx context.Context, username, password, email, role string) (int64, error)
	ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error
}

// AuthOptions tunes the AuthService.
type AuthOptions struct {
	LoginDelay time.Duration
	BcryptCost int
}

// AuthService owns the login/logout lifecycle of a session and the
// password handling of the credential store.
type AuthService struct {
	users      UserServiceProvider
	events     EventServiceProvider
	loginDelay time.Duration
	cost       int
	dummyHash  []byte
}

// NewAuthService creates a new AuthService. events may be nil.
func NewAuthService(users UserServiceProvider, events EventServiceProvider, opts AuthOptions) (*AuthService, error) {
	if opts.LoginDelay <= 0 {
		opts.LoginDelay = DefaultLoginDelay
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}

	// Unknown users are verified against this hash so both failure paths
	// spend the same bcrypt work.
	dummy, err := bcrypt.GenerateFromPassword([]byte("openclaw-unknown-user"), opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare auth service: %w", err)
	}

	return &AuthService{
		users:      users,
		events:     events,
		loginDelay: opts.LoginDelay,
		cost:       opts.BcryptCost,
		dummyHash:  dummy,
	}, nil
}

// Login verifies the credentials and binds the user to sess under a freshly
// issued session id.
func (s *AuthService) Login(ctx context.Context, sess *session.Session, username, password string) (models.PublicUser, error) {
	if username == "" || password == "" {
		return models.PublicUser{}, ErrInvalidInput
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.PublicUser{}, fmt.Errorf("failed to load user: %w", err)
	}

	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return models.PublicUser{}, s.failLogin(ctx, username, nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.PublicUser{}, s.failLogin(ctx, username, &user.ID)
	}

	s.rehashIfNeeded(ctx, user, password)

	now := time.Now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to record last login")
	}

	sess.Regenerate()
	sess.Update(func(d *session.Data) {
		d.UserID = user.ID
		d.Username = user.Username
		d.Email = user.Email
		d.Role = user.Role
		d.LoggedIn = true
		d.LoginTime = now
		d.LoginID = uuid.NewString()
	})

	s.audit(ctx, "auth.login", "info", fmt.Sprintf("User '%s' logged in.", user.Username), &user.ID)
	log.Info().Str("username", user.Username).Msg("User logged in")
	return user.Public(), nil
}

// failLogin waits out the fixed delay and returns the single error used for
// both unknown users and wrong passwords.
func (s *AuthService) failLogin(ctx context.Context, username string, userID *int64) error {
	s.audit(ctx, "auth.login.fail", "warn", fmt.Sprintf("Failed login attempt for '%s'.", username), userID)
	log.Warn().Str("username", username).Msg("Failed authentication attempt")

	timer := time.NewTimer(s.loginDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return ErrInvalidCredentials
}

// rehashIfNeeded upgrades a hash produced with a different cost. Failure is
// logged and never fails the login.
func (s *AuthService) rehashIfNeeded(ctx context.Context, user models.User, password string) {
	cost, err := bcrypt.Cost([]byte(user.PasswordHash))
	if err == nil && cost == s.cost {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to rehash password")
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, string(hash)); err != nil {
		log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to persist rehashed password")
		return
	}
	log.Info().Int64("user_id", user.ID).Int("old_cost", cost).Int("new_cost", s.cost).Msg("Password rehashed")
}

// Logout clears the session. Calling it on an anonymous session is a no-op success.
func (s *AuthService) Logout(ctx context.Context, sess *session.Session) {
	if user := s.GetUser(sess); user != nil {
		s.audit(ctx, "auth.logout", "info", fmt.Sprintf("User '%s' logged out.", user.Username), &user.ID)
	}
	sess.Destroy()
}

// IsLoggedIn reports whether the session carries the authenticated flag.
func (s *AuthService) IsLoggedIn(sess *session.Session) bool {
	return sess != nil && sess.Data().LoggedIn
}

// GetUser returns the authenticated user of sess, or nil.
func (s *AuthService) GetUser(sess *session.Session) *models.SessionUser {
	if !s.IsLoggedIn(sess) {
		return nil
	}
	d := sess.Data()
	return &models.SessionUser{
		PublicUser: models.PublicUser{
			ID:       d.UserID,
			Username: d.Username,
			Email:    d.Email,
			Role:     d.Role,
		},
		LoginTime: d.LoginTime,
		LoginID:   d.LoginID,
	}
}

// HasRole reports whether the authenticated user has exactly the given role.
func (s *AuthService) HasRole(sess *session.Session, role string) bool {
	user := s.GetUser(sess)
	return user != nil && user.Role == role
}

// CreateUser hashes the password and stores a new user. role defaults to viewer.
func (s *AuthService) CreateUser(ctx context.Context, username, password, email, role string) (int64, error) {
	if username == "" || password == "" {
		return 0, ErrInvalidInput
	}
	if err := checkPassword(password); err != nil {
		return 0, err
	}
	if role == "" {
		role = models.RoleViewer
	}
	if !models.ValidRole(role) {
		return 0, ErrInvalidRole
	}

	exists, err := s.users.UsernameExists(ctx, username)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, ErrDuplicateUsername
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := s.users.CreateUser(ctx, models.User{
		Username:     username,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
	})
	if err != nil {
		return 0, err
	}

	s.audit(ctx, "user.create", "info", fmt.Sprintf("User '%s' created with role %s.", username, role), &id)
	return id, nil
}

// ChangePassword verifies the current password, then hashes and stores the new one.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	if err := checkPassword(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)) != nil {
		s.audit(ctx, "auth.password.fail", "warn", fmt.Sprintf("Wrong current password for '%s'.", user.Username), &user.ID)
		return ErrWrongPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, string(hash)); err != nil {
		return err
	}

	s.audit(ctx, "auth.password.change", "info", fmt.Sprintf("Password changed for '%s'.", user.Username), &user.ID)
	return nil
}

func checkPassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	if len(password) > maxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

func (s *AuthService) audit(ctx context.Context, eventType, level, message string, userID *int64) {
	if s.events == nil {
		return
	}
	if err := s.events.CreateEvent(ctx, eventType, level, message, userID); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("Failed to record audit event")
	}
}
