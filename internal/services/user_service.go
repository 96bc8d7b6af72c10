package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/isdelr/openclaw-command-center/internal/database"
	"github.com/isdelr/openclaw-command-center/internal/models"
)

// UserServiceProvider defines the credential store operations.
type UserServiceProvider interface {
	GetUserByID(ctx context.Context, id int64) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, user models.User) (int64, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
}

// UserService reads and writes the users table.
type UserService struct {
	db *sql.DB
}

// NewUserService creates a new UserService.
func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db}
}

const userColumns = "id, username, password_hash, email, role, last_login, created_at"

// GetUserByID retrieves a single user by their ID, including the password hash.
func (s *UserService) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	if err := database.Ensure(ctx, s.db); err != nil {
		return models.User{}, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ? LIMIT 1", id)
	return scanUser(row)
}

// GetUserByUsername retrieves a single user by username, including the password hash.
func (s *UserService) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	if err := database.Ensure(ctx, s.db); err != nil {
		return models.User{}, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ? LIMIT 1", username)
	return scanUser(row)
}

// UsernameExists reports whether a user with the given name is stored.
func (s *UserService) UsernameExists(ctx context.Context, username string) (bool, error) {
	if err := database.Ensure(ctx, s.db); err != nil {
		return false, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ? LIMIT 1", username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up username: %w", err)
	}
	return true, nil
}

// CreateUser inserts a user whose PasswordHash is already set and returns the new ID.
func (s *UserService) CreateUser(ctx context.Context, user models.User) (int64, error) {
	if user.PasswordHash == "" {
		return 0, fmt.Errorf("refusing to store user %s without a password hash", user.Username)
	}
	if err := database.Ensure(ctx, s.db); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, email, role) VALUES (?, ?, ?, ?)",
		user.Username, user.PasswordHash, user.Email, user.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateUsername
		}
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return res.LastInsertId()
}

// UpdatePasswordHash replaces a user's password hash.
func (s *UserService) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return s.updateOne(ctx, "UPDATE users SET password_hash = ? WHERE id = ?", hash, id)
}

// UpdateLastLogin records the time of a successful login.
func (s *UserService) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	return s.updateOne(ctx, "UPDATE users SET last_login = ? WHERE id = ?", at.UTC(), id)
}

func (s *UserService) updateOne(ctx context.Context, query string, args ...any) error {
	if err := database.Ensure(ctx, s.db); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	var lastLogin, createdAt sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Email, &user.Role, &lastLogin, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("failed to read user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	if createdAt.Valid {
		user.CreatedAt = createdAt.Time
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
