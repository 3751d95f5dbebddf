package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultReaperInterval = time.Minute
	defaultJobMaxAge      = 2 * time.Hour
)

// Sweeper times out stuck jobs and reverts charges left on jobs that did
// not complete.
type Sweeper interface {
	SweepStale(ctx context.Context, maxAge time.Duration) (int, error)
	SettleCharges(ctx context.Context) (int, error)
}

// Purger drops expired idempotency records.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type ReaperConfig struct {
	Interval  time.Duration
	JobMaxAge time.Duration
}

// Reaper times out jobs that never reached a terminal state, settles stray
// charges and purges expired dedupe records on the same tick.
type Reaper struct {
	sweeper  Sweeper
	purger   Purger
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
}

func NewReaper(sweeper Sweeper, purger Purger, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReaperInterval
	}
	if cfg.JobMaxAge <= 0 {
		cfg.JobMaxAge = defaultJobMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		sweeper:  sweeper,
		purger:   purger,
		logger:   logger.With(slog.String("component", "reaper")),
		interval: cfg.Interval,
		maxAge:   cfg.JobMaxAge,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep, settle and purge. A failing step does not
// skip the ones after it.
func (r *Reaper) RunOnce(ctx context.Context) {
	swept, err := r.sweeper.SweepStale(ctx, r.maxAge)
	if err != nil {
		r.logger.Error("sweep stale jobs", slog.Any("error", err))
	} else if swept > 0 {
		r.logger.Info("timed out stale jobs", slog.Int("count", swept), slog.Duration("max_age", r.maxAge))
	}

	settled, err := r.sweeper.SettleCharges(ctx)
	if err != nil {
		r.logger.Error("settle usage charges", slog.Any("error", err))
	} else if settled > 0 {
		r.logger.Info("reverted stray usage charges", slog.Int("count", settled))
	}

	if r.purger == nil {
		return
	}
	purged, err := r.purger.Purge(ctx)
	if err != nil {
		r.logger.Error("purge idempotency records", slog.Any("error", err))
		return
	}
	if purged > 0 {
		r.logger.Debug("purged idempotency records", slog.Int64("count", purged))
	}
}
