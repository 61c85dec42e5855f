// Package jobs drives the periodic maintenance work: basket expiry
// sweeps, deposit expiry, abandoned reservation reconciliation, price
// refreshes and bot health probes. Each job owns its own ticker
// goroutine; the whole set stops together through the lifecycle manager.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/metrics"
)

// Job is one periodic task. Run must be idempotent: a tick can coincide
// with the same work happening on an interactive path, and a missed tick
// is simply picked up by the next one.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs registered jobs, each on its own ticker.
type Scheduler struct {
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	jobs    []Job
	lastRun map[string]time.Time
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty scheduler. Register jobs, then Start.
func New(m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		metrics: m,
		logger:  logger.With().Str("component", "jobs").Logger(),
		lastRun: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// Register adds a job ahead of Start. A non-positive cadence disables
// the job; that is how config switches one off.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Error().Str("job", job.Name).Msg("jobs.register_after_start")
		return
	}
	if job.Run == nil {
		s.logger.Error().Str("job", job.Name).Msg("jobs.register_without_run")
		return
	}
	if job.Every <= 0 {
		s.logger.Info().Str("job", job.Name).Msg("jobs.disabled")
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start launches one loop per registered job. Every job runs once
// immediately so a restart does not postpone overdue maintenance by a
// full cadence.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info().Int("count", len(jobs)).Msg("jobs.started")
}

// Stop ends every loop and waits for in-flight runs to return. The
// lifecycle manager guarantees it is called at most once.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("jobs.stopped")
}

// LastRun reports when a job last finished, for the admin surface.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[name]
	return at, ok
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	s.runOnce(ctx, job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	s.metrics.ObserveJob(job.Name, elapsed, err)

	s.mu.Lock()
	s.lastRun[job.Name] = time.Now()
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().
			Err(err).
			Str("job", job.Name).
			Dur("elapsed", elapsed).
			Msg("jobs.run_failed")
		return
	}
	s.logger.Debug().
		Str("job", job.Name).
		Dur("elapsed", elapsed).
		Msg("jobs.ran")
}
