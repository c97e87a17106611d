package session

import (
	"time"

	"github.com/robfig/cron/v3"

	"ctxproxy/pkg/logger"
)

// Sweeper periodically deletes sessions that have been idle past the
// retention window.
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	maxAge   time.Duration
}

// NewSweeper creates a sweeper. schedule is a cron expression and maxAge
// the idle retention window.
func NewSweeper(registry *Registry, schedule string, maxAge time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		registry: registry,
		cron:     cron.New(),
		maxAge:   maxAge,
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduled sweeps.
func (s *Sweeper) Start() {
	s.cron.Start()
	logger.Info().Dur("max_age", s.maxAge).Msg("session sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.maxAge)
	removed, err := s.registry.CleanupBefore(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("session sweep failed")
		return
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("session sweep completed")
	}
}
