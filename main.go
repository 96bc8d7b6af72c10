package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isdelr/openclaw-command-center/internal/api"
	"github.com/isdelr/openclaw-command-center/internal/auth"
	"github.com/isdelr/openclaw-command-center/internal/config"
	"github.com/isdelr/openclaw-command-center/internal/database"
	"github.com/isdelr/openclaw-command-center/internal/logger"
	"github.com/isdelr/openclaw-command-center/internal/models"
	"github.com/isdelr/openclaw-command-center/internal/monitoring"
	"github.com/isdelr/openclaw-command-center/internal/redis"
	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/isdelr/openclaw-command-center/internal/status"
	"github.com/isdelr/openclaw-command-center/internal/stream"
	"github.com/isdelr/openclaw-command-center/internal/websocket"
	"github.com/rs/zerolog/log"
)

const fleetService = "command-center"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, cfg.Debug)

	// Set up database
	db, err := database.New(cfg.DB.Driver, database.DSN(cfg.DB))
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db, cfg.DB.Driver); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up session store
	var store session.Store
	switch cfg.Session.Store {
	case "redis":
		rdb, err := redis.NewClient(context.Background(), cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Redis session store")
		}
		defer rdb.Close()
		store = session.NewRedisStore(rdb)
	default:
		store = session.NewMemoryStore()
	}
	sessions := session.NewManager(store, session.Options{
		CookieName:  cfg.Session.Name,
		Lifetime:    cfg.Session.Lifetime,
		RotateEvery: cfg.Session.RotateEvery,
		Secure:      cfg.Session.CookieSecure,
	})

	// Set up services
	userService := services.NewUserService(db)
	eventService := services.NewEventService(db)
	authService, err := services.NewAuthService(userService, eventService, services.AuthOptions{
		LoginDelay: cfg.LoginDelay,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize auth service")
	}
	bootstrapAdmin(authService, cfg)

	// Set up the fleet stream client
	streamOpts := stream.Options{
		ReconnectInterval:    cfg.Fleet.ReconnectInterval,
		MaxReconnectAttempts: cfg.Fleet.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Fleet.HeartbeatInterval,
	}
	if cfg.Fleet.TokenSecret != "" {
		issuer, err := auth.NewTokenIssuer(cfg.Fleet.TokenSecret, time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize fleet token issuer")
		}
		streamOpts.HeaderFunc = func() (http.Header, error) { return issuer.Header(fleetService) }
	}
	fleet := stream.NewClient(cfg.Fleet.WSURL, streamOpts)
	indicator := status.NewIndicator(fleet)

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()

	// Set up and run the fleet relay
	relay := monitoring.NewRelay(fleet, hub, indicator, eventService)
	relay.Start()
	fleet.Connect()

	// Set up and run the session sweeper
	loginLimiter := api.NewIPRateLimiter(cfg.LoginRateLimit, cfg.LoginRateBurst)
	sweeper, err := monitoring.NewSweeper(cfg.Session.SweepSchedule, store, loginLimiter, 10*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Session.SweepSchedule).Msg("Invalid session sweep schedule")
	}
	sweeper.Start()

	// Set up router
	router := api.NewRouter(api.Dependencies{
		Auth:           authService,
		Events:         eventService,
		Sessions:       sessions,
		Hub:            hub,
		Indicator:      indicator,
		Upstream:       fleet,
		LoginLimiter:   loginLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// Set up server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Str("env", cfg.AppEnv).Msg("Server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ListenAndServe failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	sweeper.Stop()
	relay.Stop()
	fleet.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Stop()

	log.Info().Msg("Server exiting")
}

// bootstrapAdmin creates the configured admin account on first start.
func bootstrapAdmin(authService *services.AuthService, cfg *config.Config) {
	if cfg.AdminUsername == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := authService.CreateUser(ctx, cfg.AdminUsername, cfg.AdminPassword, "", models.RoleAdmin)
	switch {
	case err == nil:
		log.Info().Str("username", cfg.AdminUsername).Int64("user_id", id).Msg("Created admin user")
	case errors.Is(err, services.ErrDuplicateUsername):
		log.Debug().Str("username", cfg.AdminUsername).Msg("Admin user already exists")
	default:
		log.Fatal().Err(err).Str("username", cfg.AdminUsername).Msg("Failed to create admin user")
	}
}
