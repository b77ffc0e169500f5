package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"villagecal/pkg/logger"
	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

// rollupSpec fires the daily analytics aggregation at 02:00 UTC.
const rollupSpec = "0 2 * * *"

// Core enqueues the recurring jobs and drives stuck-row reclamation.
// Safe to run in every worker process: each recurring enqueue carries a
// {job}:{bucket} dedupe key, so however many schedulers tick, exactly
// one row lands per window. No leader election.
type Core struct {
	store    queue.Store
	notifier queue.Notifier
	log      *zap.Logger

	reclaimInterval time.Duration
	lockTTL         time.Duration

	rollupSchedule cron.Schedule
}

func NewCore(store queue.Store, notifier queue.Notifier, reclaimInterval, lockTTL time.Duration, log *zap.Logger) (*Core, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(rollupSpec)
	if err != nil {
		return nil, fmt.Errorf("parse rollup schedule: %w", err)
	}
	if notifier == nil {
		notifier = queue.NopNotifier{}
	}
	return &Core{
		store:           store,
		notifier:        notifier,
		log:             logger.WithComponent(log, "scheduler"),
		reclaimInterval: reclaimInterval,
		lockTTL:         lockTTL,
		rollupSchedule:  schedule,
	}, nil
}

// Run blocks until ctx cancellation. Each tick performs one operation.
func (c *Core) Run(ctx context.Context) {
	reclaimTicker := time.NewTicker(c.reclaimInterval)
	defer reclaimTicker.Stop()
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	// Catch up immediately on start: a worker restarted after 02:00
	// still enqueues today's rollup (dedupe collapses doubles).
	c.enqueueRollup(ctx)
	c.enqueueCleanup(ctx)

	rollupTimer := time.NewTimer(c.untilNextRollup())
	defer rollupTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("scheduler shutting down")
			return
		case <-rollupTimer.C:
			c.enqueueRollup(ctx)
			rollupTimer.Reset(c.untilNextRollup())
		case <-cleanupTicker.C:
			c.enqueueCleanup(ctx)
		case <-reclaimTicker.C:
			if _, err := c.store.ReclaimStuck(ctx, c.lockTTL); err != nil {
				c.log.Error("reclaim stuck failed", zap.Error(err))
			}
		}
	}
}

func (c *Core) untilNextRollup() time.Duration {
	now := time.Now().UTC()
	return c.rollupSchedule.Next(now).Sub(now)
}

// enqueueRollup aggregates the previous UTC day. The dedupe bucket is
// the day being aggregated, so clock skew between schedulers cannot
// double-enqueue a window.
func (c *Core) enqueueRollup(ctx context.Context) {
	day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	payload, _ := json.Marshal(models.RollupJobPayload{Day: day})

	id, err := c.store.Enqueue(ctx, models.QueueAnalyticsRollup, payload, queue.EnqueueOptions{
		DedupeKey: fmt.Sprintf("%s:%s", models.QueueAnalyticsRollup, day),
	})
	if err != nil {
		c.log.Error("enqueue rollup failed", zap.Error(err))
		return
	}
	c.notifier.NotifyEnqueued(ctx)
	c.log.Info("rollup enqueued", zap.String("day", day), zap.String("job_id", id.String()))
}

func (c *Core) enqueueCleanup(ctx context.Context) {
	bucket := time.Now().UTC().Format("2006-01-02")
	payload, _ := json.Marshal(models.CleanupJobPayload{OlderThanDays: defaultCleanupAgeDays})

	id, err := c.store.Enqueue(ctx, models.QueueGuestSessionCleanup, payload, queue.EnqueueOptions{
		DedupeKey: fmt.Sprintf("%s:%s", models.QueueGuestSessionCleanup, bucket),
	})
	if err != nil {
		c.log.Error("enqueue cleanup failed", zap.Error(err))
		return
	}
	c.notifier.NotifyEnqueued(ctx)
	c.log.Info("cleanup enqueued", zap.String("bucket", bucket), zap.String("job_id", id.String()))
}

const defaultCleanupAgeDays = 30

// RollupDedupeKey is exposed for tests and ad-hoc admin enqueues.
func RollupDedupeKey(day string) string {
	return fmt.Sprintf("%s:%s", models.QueueAnalyticsRollup, day)
}
