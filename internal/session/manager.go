package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Options configures the session cookie and rotation policy.
type Options struct {
	CookieName  string
	Lifetime    time.Duration
	RotateEvery time.Duration
	Secure      bool
}

// Manager loads, rotates and commits sessions against a Store.
type Manager struct {
	store Store
	opts  Options
}

// NewManager creates a Manager.
func NewManager(store Store, opts Options) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = "openclaw_session"
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = time.Hour
	}
	if opts.RotateEvery <= 0 {
		opts.RotateEvery = 30 * time.Minute
	}
	return &Manager{store: store, opts: opts}
}

// Store exposes the backing store.
func (m *Manager) Store() Store {
	return m.store
}

// Load returns the session named by the request cookie, or a fresh anonymous
// session when the cookie is absent, unknown or expired.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return newSession(), nil
	}

	data, err := m.store.Get(ctx, cookie.Value)
	if errors.Is(err, ErrNotFound) {
		return newSession(), nil
	}
	if err != nil {
		return nil, err
	}
	return &Session{id: cookie.Value, data: data, persisted: true}, nil
}

// RotateIfDue regenerates the identifier of a stored session whose last
// rotation is older than the configured interval. The record is unchanged.
func (m *Manager) RotateIfDue(s *Session) bool {
	if !s.persisted || s.destroyed {
		return false
	}
	if time.Since(s.data.CreatedAt) <= m.opts.RotateEvery {
		return false
	}
	s.Regenerate()
	return true
}

// Commit writes pending changes to the store and the matching cookie to w.
// It must run before the response body is written.
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, s *Session) error {
	switch {
	case s.destroyed:
		if s.persisted {
			if err := m.store.Delete(ctx, s.id); err != nil {
				return err
			}
		}
		if s.oldID != "" {
			if err := m.store.Delete(ctx, s.oldID); err != nil {
				return err
			}
		}
		m.expireCookie(w)
		// The old id is gone; anything further starts a new session.
		s.id = newID()
		s.persisted = false

	case s.regenerated && s.oldID != "":
		if err := m.store.Replace(ctx, s.oldID, s.id, s.data, m.opts.Lifetime); err != nil {
			return fmt.Errorf("failed to rotate session: %w", err)
		}
		m.setCookie(w, s.id)
		s.persisted = true

	case s.modified:
		if err := m.store.Save(ctx, s.id, s.data, m.opts.Lifetime); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		m.setCookie(w, s.id)
		s.persisted = true

	default:
		return nil
	}

	s.oldID = ""
	s.modified = false
	s.regenerated = false
	s.destroyed = false
	return nil
}

// Middleware loads the session, rotates its id when due and places it in the
// request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s, err := m.Load(ctx, r)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load session")
			http.Error(w, "Session unavailable", http.StatusInternalServerError)
			return
		}

		if m.RotateIfDue(s) {
			if err := m.Commit(ctx, w, s); err != nil {
				log.Error().Err(err).Msg("Failed to rotate session id")
			} else {
				log.Debug().Str("username", s.data.Username).Msg("Session id rotated")
			}
		}

		next.ServeHTTP(w, r.WithContext(NewContext(ctx, s)))
	})
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(m.opts.Lifetime.Seconds()),
		Expires:  time.Now().Add(m.opts.Lifetime),
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *Manager) expireCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
