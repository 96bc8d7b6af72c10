// Package auth holds the access gates for session-authenticated routes and
// the bearer tokens presented to the fleet stream.
package auth

import (
	"net/http"

	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/rs/zerolog/log"
)

// Checker answers access questions about a session.
type Checker interface {
	IsLoggedIn(sess *session.Session) bool
	HasRole(sess *session.Session, role string) bool
}

// RequireLogin lets only authenticated sessions through. Others are
// redirected to redirectURL, or get a 401 envelope when redirectURL is empty.
func RequireLogin(c Checker, redirectURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.IsLoggedIn(session.FromContext(r.Context())) {
				deny(w, r, redirectURL, http.StatusUnauthorized, respond.CodeUnauthorized, "Authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole lets through only sessions whose user has role. Anonymous
// sessions are treated as by RequireLogin; a wrong role is a 403.
func RequireRole(c Checker, role, redirectURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := session.FromContext(r.Context())
			if !c.IsLoggedIn(sess) {
				deny(w, r, redirectURL, http.StatusUnauthorized, respond.CodeUnauthorized, "Authentication required")
				return
			}
			if !c.HasRole(sess, role) {
				log.Warn().Str("required_role", role).Str("path", r.URL.Path).Msg("Access denied")
				deny(w, r, redirectURL, http.StatusForbidden, respond.CodeForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, redirectURL string, status int, code, message string) {
	if redirectURL != "" {
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}
	respond.Error(w, status, code, message)
}
