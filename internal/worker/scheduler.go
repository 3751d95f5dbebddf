package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iago/genjobs-back/internal/policy"
)

const (
	defaultReconcileInterval = 5 * time.Second
	defaultConcurrency       = 4
)

// Reconciler is the polling side of the orchestrator.
type Reconciler interface {
	ActiveJobIDs(ctx context.Context) ([]string, error)
	Reconcile(ctx context.Context, jobID string) error
}

type SchedulerConfig struct {
	Interval    time.Duration
	Concurrency int
}

// Scheduler polls active jobs on a fixed tick with a bounded pool of workers.
// A job already being reconciled is skipped until its worker finishes.
type Scheduler struct {
	reconciler  Reconciler
	logger      *slog.Logger
	interval    time.Duration
	concurrency int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewScheduler(reconciler Reconciler, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler:  reconciler,
		logger:      logger.With(slog.String("component", "reconcile-scheduler")),
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		inFlight:    make(map[string]struct{}),
	}
}

// Start runs until ctx is done and waits for in-flight reconciliations.
func (s *Scheduler) Start(ctx context.Context) {
	work := make(chan string, s.concurrency*4)

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jobID := range work {
				s.reconcile(ctx, jobID)
			}
		}()
	}

	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(work)
		wg.Wait()
	}()

	for {
		s.dispatch(ctx, work)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatch queues every active job that is not already in flight. It returns
// early when the pool is saturated; the rest wait for the next tick.
func (s *Scheduler) dispatch(ctx context.Context, work chan<- string) {
	ids, err := s.reconciler.ActiveJobIDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list active jobs", slog.Any("error", err))
		}
		return
	}

	for _, jobID := range ids {
		if !s.claim(jobID) {
			continue
		}
		select {
		case work <- jobID:
		case <-ctx.Done():
			s.release(jobID)
			return
		default:
			s.release(jobID)
			s.logger.Debug("reconcile pool saturated", slog.Int("pending", len(ids)))
			return
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context, jobID string) {
	defer s.release(jobID)
	if ctx.Err() != nil {
		return
	}
	if err := s.reconciler.Reconcile(ctx, jobID); err != nil && ctx.Err() == nil {
		s.logger.Warn("reconcile failed", slog.String("job_id", jobID), slog.String("error", policy.Redact(err.Error())))
	}
}

func (s *Scheduler) claim(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[jobID]; busy {
		return false
	}
	s.inFlight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)
}
