package reconcile

import (
	"context"
	"time"

	"consignment-ledger/pkg/config"
	"consignment-ledger/pkg/task"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues one reconcile:run task per job every day.
type Scheduler struct {
	enqueuer task.Enqueuer
	hour     int
	dryRun   bool
}

func NewScheduler(enqueuer task.Enqueuer, cfg *config.Config) *Scheduler {
	return &Scheduler{
		enqueuer: enqueuer,
		hour:     cfg.Reconcile.Hour,
		dryRun:   !cfg.Reconcile.Execute,
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started reconciliation scheduler", zap.Int("hour", s.hour), zap.Bool("dry_run", s.dryRun))

	for {
		now := time.Now().UTC()
		next := nextRunTime(now, s.hour, 0)

		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)
		select {
		case <-time.After(next.Sub(now)):
			s.Enqueue(ctx, next)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// Enqueue queues every job for the day of at. Jobs already queued for that
// day are left alone.
func (s *Scheduler) Enqueue(ctx context.Context, at time.Time) int {
	day := at.UTC().Format("20060102")
	queued := 0
	for _, job := range Jobs {
		t, err := NewRunTask(RunPayload{Job: job, DryRun: s.dryRun}, day)
		if err != nil {
			zap.L().Error("[Scheduler] failed to build task", zap.String("job", job), zap.Error(err))
			continue
		}
		if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
			zap.L().Error("[Scheduler] failed to enqueue", zap.String("job", job), zap.Error(err))
			continue
		}
		queued++
	}
	zap.L().Info("[Scheduler] reconciliation enqueued", zap.String("day", day), zap.Int("jobs", queued))
	return queued
}

// nextRunTime returns the next occurrence of hour:minute strictly after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
