package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs pre-population daily at midnight.
const DefaultSchedule = "0 0 * * *"

// Prepopulator is the job a Scheduler runs.
type Prepopulator interface {
	Prepopulate(ctx context.Context) (Stats, error)
}

// Scheduler runs pre-population on a cron schedule.
type Scheduler struct {
	job      Prepopulator
	schedule string
	cron     *cron.Cron
	logger   hclog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler returns a Scheduler for schedule. An empty schedule disables
// it.
func NewScheduler(job Prepopulator, schedule string, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{
		job:      job,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.Named("scheduler"),
	}
}

// Start registers the job and starts the cron loop. It stops when ctx is
// done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("prepopulate schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule prepopulate: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("prepopulate scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.job.Prepopulate(ctx); err != nil {
		s.logger.Error("scheduled prepopulation failed", "error", err)
	}
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("prepopulate scheduler stopped")
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run, or the zero time when idle.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
