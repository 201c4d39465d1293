// Package pipeline runs background maintenance jobs.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job moves records older than retention to cold storage and reports how
// many left the database.
type Job interface {
	Archive(ctx context.Context, retention time.Duration) (int64, error)
}

// Task names a Job in logs.
type Task struct {
	Name string
	Job  Job
}

// Archiver runs its tasks in order on a fixed interval.
type Archiver struct {
	tasks     []Task
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(retention, interval time.Duration, logger *slog.Logger, tasks ...Task) *Archiver {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Archiver{
		tasks:     tasks,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// RunOnce executes one archive pass. A failing task does not stop the
// others; the failures are joined.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	var total int64
	var errs []error
	for _, t := range a.tasks {
		start := time.Now()
		n, err := t.Job.Archive(ctx, a.retention)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive run failed",
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		total += n
		a.logger.InfoContext(ctx, "archive run complete",
			slog.String("task", t.Name),
			slog.Int64("records", n),
			slog.Duration("retention", a.retention),
			slog.Duration("took", time.Since(start)),
		)
	}
	return total, errors.Join(errs...)
}

// Run archives once at start and then every interval until ctx ends. A
// failed pass is logged and retried at the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started",
		slog.Duration("interval", a.interval),
		slog.Duration("retention", a.retention),
		slog.Int("tasks", len(a.tasks)),
	)
	_, _ = a.RunOnce(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return nil
		case <-ticker.C:
			_, _ = a.RunOnce(ctx)
		}
	}
}
