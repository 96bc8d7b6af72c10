package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/isdelr/openclaw-command-center/internal/api/handlers"
	"github.com/isdelr/openclaw-command-center/internal/auth"
	"github.com/isdelr/openclaw-command-center/internal/models"
	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/isdelr/openclaw-command-center/internal/websocket"
)

// Dependencies are the services the router wires into handlers.
type Dependencies struct {
	Auth           services.AuthServiceProvider
	Events         services.EventServiceProvider
	Sessions       *session.Manager
	Hub            *websocket.Hub
	Indicator      handlers.StatusViewer
	Upstream       handlers.Forwarder
	LoginLimiter   *IPRateLimiter
	AllowedOrigins []string
}

// NewRouter creates and configures a new Chi router.
func NewRouter(d Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	authHandler := handlers.NewAuthHandler(d.Auth, d.Sessions, d.Hub)
	userHandler := handlers.NewUserHandler(d.Auth)
	eventHandler := handlers.NewEventHandler(d.Events)
	statusHandler := handlers.NewStatusHandler(d.Indicator, d.Hub)
	wsHandler := handlers.NewWebSocketHandler(d.Hub, d.Auth, d.Upstream, d.AllowedOrigins)

	r.Get("/health", handlers.Health)

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Sessions.Middleware)

		r.Route("/auth", func(r chi.Router) {
			r.With(limit(d.LoginLimiter)).Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.Get("/verify", authHandler.Verify)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLogin(d.Auth, ""))

			r.Get("/status", statusHandler.Get)
			r.Get("/ws", wsHandler.Serve)
			r.Put("/users/{id}/password", userHandler.ChangePassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(d.Auth, models.RoleAdmin, ""))

			r.Post("/users", userHandler.Create)
			r.Get("/events", eventHandler.GetRecent)
		})
	})

	return r
}

func limit(l *IPRateLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}
