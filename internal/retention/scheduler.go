package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/telemetryd/internal/storage"
)

// errorBackoff is how long the scheduler waits after a sweep in which
// every policy failed, instead of the full interval.
const errorBackoff = time.Minute

// Result is the outcome of one policy execution within a sweep.
type Result struct {
	Policy  string
	Deleted int64
	Err     error
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running     bool
	Policies    int
	Interval    time.Duration
	LastRun     time.Time
	LastResults []Result
}

// Scheduler periodically sweeps expired messages out of storage. One
// sweep executes every policy; a failing policy is logged and does not
// stop the others.
type Scheduler struct {
	backend  storage.Backend
	policies []Policy
	interval time.Duration
	log      *slog.Logger

	mu          sync.Mutex
	running     bool
	lastRun     time.Time
	lastResults []Result

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler over the given backend and policies.
func NewScheduler(backend storage.Backend, policies []Policy, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		backend:  backend,
		policies: policies,
		interval: interval,
		log:      log.With("component", "retention"),
	}
}

// Start launches the sweep loop. It returns immediately; the first
// sweep runs one interval after start. Starting a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if len(s.policies) == 0 {
		s.log.Warn("no retention policies configured")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	s.log.Info("retention scheduler started",
		"policies", len(s.policies), "interval", s.interval)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		results := s.sweep(ctx)
		if ctx.Err() != nil {
			return
		}

		if allFailed(results) {
			timer.Reset(errorBackoff)
		} else {
			timer.Reset(s.interval)
		}
	}
}

func allFailed(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

// sweep executes every policy once and records the outcome.
func (s *Scheduler) sweep(ctx context.Context) []Result {
	now := time.Now()
	results := make([]Result, 0, len(s.policies))

	for _, p := range s.policies {
		results = append(results, s.execute(ctx, p, now))
	}

	s.mu.Lock()
	s.lastRun = now
	s.lastResults = results
	s.mu.Unlock()

	return results
}

func (s *Scheduler) execute(ctx context.Context, p Policy, now time.Time) Result {
	if p.Resolution != "raw" {
		// Downsampled series are not stored yet; nothing to clean.
		s.log.Debug("skipping non-raw policy", "policy", p.Name, "resolution", p.Resolution)
		return Result{Policy: p.Name}
	}

	cutoff := now.Add(-p.Age)
	deleted, err := s.backend.Cleanup(ctx, cutoff)
	if err != nil {
		s.log.Error("retention policy failed", "policy", p.Name, "error", err)
		return Result{Policy: p.Name, Err: err}
	}

	s.log.Info("retention policy executed",
		"policy", p.Name, "deleted", deleted, "before", cutoff)
	return Result{Policy: p.Name, Deleted: deleted}
}

// RunNow executes all policies immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) []Result {
	s.log.Info("running retention policies on demand")
	return s.sweep(ctx)
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, len(s.lastResults))
	copy(results, s.lastResults)

	return Status{
		Running:     s.running,
		Policies:    len(s.policies),
		Interval:    s.interval,
		LastRun:     s.lastRun,
		LastResults: results,
	}
}
