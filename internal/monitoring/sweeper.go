package monitoring

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SessionPurger drops expired sessions.
type SessionPurger interface {
	Purge(ctx context.Context) (int, error)
}

// VisitorCleaner forgets idle rate limiter buckets.
type VisitorCleaner interface {
	Cleanup(maxIdle time.Duration) int
}

// Sweeper periodically removes expired sessions and idle rate limiter state.
type Sweeper struct {
	sessions SessionPurger
	visitors VisitorCleaner
	maxIdle  time.Duration
	cron     *cron.Cron
}

// NewSweeper creates a Sweeper running on schedule, a robfig/cron spec such
// as "@every 5m". visitors may be nil.
func NewSweeper(schedule string, sessions SessionPurger, visitors VisitorCleaner, maxIdle time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		sessions: sessions,
		visitors: visitors,
		maxIdle:  maxIdle,
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	log.Info().Msg("Starting session sweeper...")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Stopped session sweeper.")
}

// Sweep runs one pass.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	purged, err := s.sessions.Purge(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: Failed to purge sessions")
	} else if purged > 0 {
		log.Info().Int("purged", purged).Msg("Sweeper: Removed expired sessions")
	}

	if s.visitors != nil {
		if n := s.visitors.Cleanup(s.maxIdle); n > 0 {
			log.Debug().Int("removed", n).Msg("Sweeper: Forgot idle login visitors")
		}
	}
}
