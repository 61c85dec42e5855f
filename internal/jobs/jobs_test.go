package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/metrics"
)

func newTestScheduler() (*Scheduler, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	return New(m, zerolog.Nop()), m
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobRunsImmediatelyOnStart(t *testing.T) {
	s, _ := newTestScheduler()

	var runs atomic.Int64
	s.Register(Job{
		Name:  "basket_sweep",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return runs.Load() == 1 }, "first run")
	waitFor(t, func() bool {
		_, ok := s.LastRun("basket_sweep")
		return ok
	}, "last run bookkeeping")
}

func TestJobTicksOnCadence(t *testing.T) {
	s, _ := newTestScheduler()

	var runs atomic.Int64
	s.Register(Job{
		Name:  "price_refresh",
		Every: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return runs.Load() >= 3 }, "three ticks")
}

func TestStopWaitsForLoops(t *testing.T) {
	s, _ := newTestScheduler()

	var runs atomic.Int64
	s.Register(Job{
		Name:  "deposit_expiry",
		Every: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() >= 2 }, "a couple of runs")

	s.Stop()

	settled := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Errorf("job kept running after Stop: %d then %d", settled, got)
	}
}

func TestContextCancelEndsLoops(t *testing.T) {
	s, _ := newTestScheduler()

	var runs atomic.Int64
	s.Register(Job{
		Name:  "abandoned_sweep",
		Every: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, func() bool { return runs.Load() >= 1 }, "first run")

	cancel()
	time.Sleep(20 * time.Millisecond)

	settled := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Errorf("job kept running after cancel: %d then %d", settled, got)
	}

	// Stop must return promptly once the loops are gone.
	s.Stop()
}

func TestDisabledJobNeverRuns(t *testing.T) {
	s, _ := newTestScheduler()

	var runs atomic.Int64
	s.Register(Job{
		Name:  "chain_poll",
		Every: 0,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Register(Job{Name: "broken", Every: time.Second, Run: nil})

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("disabled job ran %d times", got)
	}
}

func TestRegisterAfterStartIgnored(t *testing.T) {
	s, _ := newTestScheduler()

	s.Start(context.Background())
	defer s.Stop()

	var runs atomic.Int64
	s.Register(Job{
		Name:  "late",
		Every: time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("late registration ran %d times", got)
	}
}

func TestRunOutcomesRecorded(t *testing.T) {
	s, m := newTestScheduler()

	var failures atomic.Int64
	s.Register(Job{
		Name:  "health_check",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			return nil
		},
	})
	s.Register(Job{
		Name:  "deposit_expiry",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			failures.Add(1)
			return errors.New("db locked")
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return failures.Load() >= 1 }, "failing run")
	waitFor(t, func() bool {
		ok := promtest.ToFloat64(m.JobRunsTotal.WithLabelValues("health_check", "ok"))
		failed := promtest.ToFloat64(m.JobRunsTotal.WithLabelValues("deposit_expiry", "error"))
		return ok >= 1 && failed >= 1
	}, "job run counters")
}

func TestLastRunUnknownJob(t *testing.T) {
	s, _ := newTestScheduler()
	if _, ok := s.LastRun("nope"); ok {
		t.Error("expected no last run for unknown job")
	}
}
