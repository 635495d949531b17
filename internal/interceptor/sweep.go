package interceptor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper retires requests whose response never finished, on a cron
// schedule such as "@every 1m".
type Sweeper struct {
	tracker  *Tracker
	schedule string
	maxAge   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewSweeper(tracker *Tracker, schedule string, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		tracker:  tracker,
		schedule: schedule,
		maxAge:   maxAge,
		now:      tracker.now,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and stops it when ctx is done. An empty schedule
// or non-positive max age disables sweeping.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" || s.maxAge <= 0 {
		log.Info().Msg("stale sweep disabled")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	log.Info().Str("schedule", s.schedule).Dur("max_age", s.maxAge).Msg("stale sweep started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce retires every active request older than the max age.
func (s *Sweeper) RunOnce() int {
	n := s.tracker.Sweep(s.now().Add(-s.maxAge))
	if n > 0 {
		log.Warn().Int("retired", n).Dur("max_age", s.maxAge).Msg("retired stale requests")
	}
	return n
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
