package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is anything that can drop files older than a given age.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Retention runs a sweep once at start and then on a cron schedule.
type Retention struct {
	cron   *cron.Cron
	store  Sweeper
	maxAge time.Duration
	logger *slog.Logger
}

// NewRetention builds the job. A non-positive days value disables sweeping;
// the returned Retention is then a no-op.
func NewRetention(store Sweeper, days int, schedule string, logger *slog.Logger) (*Retention, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		store:  store,
		maxAge: time.Duration(days) * 24 * time.Hour,
		logger: logger,
	}
	if days <= 0 {
		return r, nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start sweeps immediately and starts the schedule.
func (r *Retention) Start(ctx context.Context) {
	if r.cron == nil {
		return
	}
	r.RunOnce(ctx)
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Retention) RunOnce(ctx context.Context) int {
	if r.maxAge <= 0 {
		return 0
	}
	n, err := r.store.Sweep(ctx, r.maxAge)
	if err != nil {
		r.logger.Warn("results retention sweep incomplete", "removed", n, "error", err)
		return n
	}
	if n > 0 {
		r.logger.Info("results retention sweep", "removed", n, "max_age", r.maxAge.String())
	}
	return n
}
