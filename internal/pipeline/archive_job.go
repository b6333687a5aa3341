// Package pipeline runs scheduled maintenance jobs. The archive job exports
// old purchases, transactions and price points to cold storage and then
// prunes them from the primary database.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveResult counts the rows handled by one run.
type ArchiveResult struct {
	Cutoff       time.Time
	Purchases    int64
	Transactions int64
	PricePoints  int64
	Pruned       int64
}

// ArchiveJob exports rows older than the retention period. Pruning happens
// only after every export succeeded.
type ArchiveJob struct {
	archiver  domain.Archiver
	pruners   []Pruner
	locks     domain.LockManager
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveJob creates a job keeping retentionDays of history online.
// locks may be nil; when set only one replica runs the job at a time.
func NewArchiveJob(archiver domain.Archiver, retentionDays int, locks domain.LockManager, logger *slog.Logger, pruners ...Pruner) *ArchiveJob {
	return &ArchiveJob{
		archiver:  archiver,
		pruners:   pruners,
		locks:     locks,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive_job")),
	}
}

// Run performs one archive pass.
func (j *ArchiveJob) Run(ctx context.Context) (ArchiveResult, error) {
	res := ArchiveResult{Cutoff: j.now().UTC().Add(-j.retention)}

	if j.locks != nil {
		lease, err := j.locks.Acquire(ctx, "archive", 10*time.Minute)
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.InfoContext(ctx, "archive already running elsewhere")
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer lease.Release()
	}

	j.logger.InfoContext(ctx, "archive run starting", slog.Time("cutoff", res.Cutoff))

	var err error
	if res.Purchases, err = j.archiver.ArchivePurchases(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("pipeline: archive purchases: %w", err)
	}
	if res.Transactions, err = j.archiver.ArchiveTransactions(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("pipeline: archive transactions: %w", err)
	}
	if res.PricePoints, err = j.archiver.ArchivePricePoints(ctx, res.Cutoff); err != nil {
		return res, fmt.Errorf("pipeline: archive price points: %w", err)
	}

	for _, p := range j.pruners {
		n, err := p.DeleteBefore(ctx, res.Cutoff)
		if err != nil {
			return res, fmt.Errorf("pipeline: prune: %w", err)
		}
		res.Pruned += n
	}

	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("purchases", res.Purchases),
		slog.Int64("transactions", res.Transactions),
		slog.Int64("price_points", res.PricePoints),
		slog.Int64("pruned", res.Pruned),
	)
	return res, nil
}

// RunCron runs the job on a cron schedule until ctx is cancelled. A failed
// run is logged and the next one is scheduled as usual.
func (j *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := parseSchedule(expr)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	for {
		next, err := sched.next(j.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		wait := next.Sub(j.now())
		j.logger.Info("next archive run scheduled", slog.Time("at", next), slog.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
