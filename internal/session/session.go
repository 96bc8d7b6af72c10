// Package session binds an opaque cookie identifier to server-side state and
// threads that state through request handling as an explicit *Session.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// Data is the server-side record of a session.
type Data struct {
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	LoggedIn  bool      `json:"logged_in"`
	CreatedAt time.Time `json:"created_at"` // last id rotation
	LoginTime time.Time `json:"login_time,omitempty"`
	// LoginID names one login and survives id rotation.
	LoginID string `json:"login_id,omitempty"`
}

// Session is the per-request view of a session. It is not safe for
// concurrent use; each request owns its own instance.
type Session struct {
	id          string
	oldID       string
	data        Data
	persisted   bool
	modified    bool
	regenerated bool
	destroyed   bool
}

func newSession() *Session {
	return &Session{
		id:   newID(),
		data: Data{CreatedAt: time.Now()},
	}
}

func newID() string {
	return uuid.NewString()
}

// ID returns the current identifier.
func (s *Session) ID() string { return s.id }

// Data returns a copy of the session record.
func (s *Session) Data() Data { return s.data }

// Persisted reports whether the session exists in the store.
func (s *Session) Persisted() bool { return s.persisted }

// Destroyed reports whether Destroy was called since the last commit.
func (s *Session) Destroyed() bool { return s.destroyed }

// Update mutates the record and marks the session for saving.
func (s *Session) Update(fn func(d *Data)) {
	fn(&s.data)
	s.modified = true
	s.destroyed = false
}

// Regenerate issues a fresh identifier. The previous one is invalidated in the
// store when the session is committed.
func (s *Session) Regenerate() {
	if s.persisted && s.oldID == "" {
		s.oldID = s.id
	}
	s.id = newID()
	s.data.CreatedAt = time.Now()
	s.regenerated = true
	s.modified = true
}

// Destroy clears all state. On commit the store entry is removed and the
// cookie expired.
func (s *Session) Destroy() {
	s.data = Data{CreatedAt: time.Now()}
	s.destroyed = true
	s.modified = false
	s.regenerated = false
}

type contextKey string

const sessionKey = contextKey("session")

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext returns the session stored by the middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}
