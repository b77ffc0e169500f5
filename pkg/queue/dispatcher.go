package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"villagecal/pkg/logger"
	"villagecal/pkg/metrics"
	"villagecal/pkg/models"
)

// Options configure a dispatcher instance.
type Options struct {
	PollInterval    time.Duration // default 5s
	LockTTL         time.Duration // default 5m
	PoolSize        int           // default 8
	BatchSize       int           // default = PoolSize
	ReclaimInterval time.Duration // default 1m
	BackoffBase     time.Duration // default 60s
	BackoffCap      time.Duration // default 1h
	ShutdownGrace   time.Duration // default 30s
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = o.PoolSize
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// Dispatcher drives the worker pool: claim runnable rows, run handlers,
// finalize based on the returned Result, and reclaim stuck rows. One
// instance per process; the job-store row lock is the only cross-process
// coordination.
type Dispatcher struct {
	WorkerID string

	store    Store
	registry *Registry
	notifier Notifier
	progress *ProgressMap
	opts     Options
	log      *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	// Consecutive-panic counts per job, so a poison payload retries
	// once and then fails terminally.
	panicMu     sync.Mutex
	panicCounts map[uuid.UUID]int
}

func NewDispatcher(store Store, registry *Registry, notifier Notifier, progress *ProgressMap, opts Options, log *zap.Logger) *Dispatcher {
	opts.withDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Dispatcher{
		WorkerID:    workerID,
		store:       store,
		registry:    registry,
		notifier:    notifier,
		progress:    progress,
		opts:        opts,
		log:         log.With(zap.String("worker_id", workerID)),
		sem:         make(chan struct{}, opts.PoolSize),
		panicCounts: make(map[uuid.UUID]int),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight handlers
// up to the grace deadline. Handlers still running past the deadline
// keep going but have effectively lost their locks; their finalize
// attempts surface ErrLockLost and are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logStartup()

	pollTicker := time.NewTicker(d.opts.PollInterval)
	defer pollTicker.Stop()
	reclaimTicker := time.NewTicker(d.opts.ReclaimInterval)
	defer reclaimTicker.Stop()

	d.claimAndLaunch(ctx)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher shutting down, waiting for in-flight handlers")
			d.waitWithGrace()
			return
		case <-pollTicker.C:
			d.claimAndLaunch(ctx)
			if depth, err := d.store.CountRunnable(ctx); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		case <-d.notifier.Wake():
			d.claimAndLaunch(ctx)
		case <-reclaimTicker.C:
			d.reclaim(ctx)
		}
	}
}

func (d *Dispatcher) logStartup() {
	fields := []zap.Field{
		zap.Int("pool_size", d.opts.PoolSize),
		zap.Duration("poll_interval", d.opts.PollInterval),
		zap.Duration("lock_ttl", d.opts.LockTTL),
	}
	if v, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, zap.Uint64("total_mem_mb", v.Total/1024/1024))
	}
	d.log.Info("dispatcher starting", fields...)
}

// claimAndLaunch claims up to min(free workers, batch size) rows and
// hands each to a worker goroutine. Draining: keeps claiming while full
// batches come back and workers stay free.
func (d *Dispatcher) claimAndLaunch(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		free := d.opts.PoolSize - len(d.sem)
		if free <= 0 {
			return
		}
		n := free
		if n > d.opts.BatchSize {
			n = d.opts.BatchSize
		}

		jobs, err := d.store.ClaimBatch(ctx, d.WorkerID, n, d.opts.LockTTL)
		if err != nil {
			d.log.Error("claim batch failed", zap.Error(err))
			return
		}
		if len(jobs) == 0 {
			return
		}
		metrics.JobsClaimed.Add(float64(len(jobs)))

		for _, job := range jobs {
			d.sem <- struct{}{}
			d.wg.Add(1)
			go func(j models.Job) {
				defer d.wg.Done()
				defer func() { <-d.sem }()
				d.execute(ctx, j)
			}(job)
		}

		if len(jobs) < n {
			return
		}
	}
}

func (d *Dispatcher) reclaim(ctx context.Context) {
	count, err := d.store.ReclaimStuck(ctx, d.opts.LockTTL)
	if err != nil {
		d.log.Error("reclaim stuck jobs failed", zap.Error(err))
		return
	}
	if count > 0 {
		d.log.Warn("reclaimed stuck jobs", zap.Int64("count", count))
		metrics.JobsReclaimed.Add(float64(count))
	}
}

// execute runs one claimed job through its handler and finalizes the row.
func (d *Dispatcher) execute(ctx context.Context, job models.Job) {
	jobLog := logger.WithJob(d.log, job.ID, job.QueueName, job.Attempts)

	handler, ok := d.registry.Resolve(job.QueueName)
	if !ok {
		jobLog.Error("no handler registered for queue")
		d.finalize(ctx, job, jobLog, Terminal("unknown_queue", fmt.Errorf("no handler for queue %q", job.QueueName)))
		return
	}

	jc := &JobContext{
		JobID:     job.ID,
		QueueName: job.QueueName,
		Attempts:  job.Attempts,
		Payload:   job.Payload,
		Log:       jobLog,
		Progress:  func(pct int) { d.progress.Set(job.ID, pct) },
	}

	hctx, span := otel.Tracer("villagecal/queue").Start(ctx, "job."+job.QueueName,
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.Int("job.attempt", job.Attempts),
		))
	start := time.Now()
	result := d.invoke(hctx, handler, jc, jobLog)
	span.SetAttributes(attribute.String("job.outcome", result.Outcome.String()))
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	span.End()
	metrics.HandlerDuration.WithLabelValues(job.QueueName, result.Outcome.String()).Observe(time.Since(start).Seconds())

	d.finalize(ctx, job, jobLog, result)
}

// invoke is the recovery boundary: a panicking handler yields a
// retryable failure on the first occurrence for a job and a terminal
// failure on the second consecutive one.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, jc *JobContext, jobLog *zap.Logger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			jobLog.Error("handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			if d.recordPanic(jc.JobID) >= 2 {
				result = Terminal("handler_panic", fmt.Errorf("repeated panic: %v", r))
			} else {
				result = Retryable("handler_panic", fmt.Errorf("panic: %v", r))
			}
		}
	}()

	result = handler.Execute(ctx, jc)
	d.clearPanic(jc.JobID)

	// Shutdown mid-handler: a retryable result with no reason is
	// labelled "cancelled"; the handler's own outcome decides whether
	// the job runs again.
	if result.Outcome == OutcomeRetryable && errors.Is(ctx.Err(), context.Canceled) && result.Reason == "" {
		result.Reason = "cancelled"
	}
	return result
}

// finalize applies the Result to the row. LockLost means another process
// reclaimed the row while we ran; the result is discarded.
func (d *Dispatcher) finalize(ctx context.Context, job models.Job, jobLog *zap.Logger, result Result) {
	// Finalization must survive process shutdown to avoid a needless
	// reclaim cycle, so it runs on a fresh context.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	switch result.Outcome {
	case OutcomeSuccess:
		err = d.store.CompleteSuccess(fctx, job.ID, d.WorkerID)
		if err == nil {
			jobLog.Info("job succeeded")
			metrics.JobsCompleted.WithLabelValues(job.QueueName, "succeeded").Inc()
			d.progress.Drop(job.ID)
			d.clearPanic(job.ID)
		}

	case OutcomeRetryable:
		if job.Attempts >= job.MaxAttempts {
			err = d.store.CompleteFailure(fctx, job.ID, d.WorkerID, result.ErrorText(), TerminalFailure())
			if err == nil {
				jobLog.Warn("job failed terminally, retries exhausted",
					zap.String("reason", result.Reason), zap.Error(result.Err))
				metrics.JobsCompleted.WithLabelValues(job.QueueName, "failed").Inc()
				d.progress.Drop(job.ID)
				d.clearPanic(job.ID)
			}
		} else {
			delay := NextBackoff(job.Attempts, d.opts.BackoffBase, d.opts.BackoffCap)
			retryAt := time.Now().UTC().Add(delay)
			err = d.store.CompleteFailure(fctx, job.ID, d.WorkerID, result.ErrorText(), RetryAt(retryAt))
			if err == nil {
				jobLog.Warn("job failed, scheduled retry",
					zap.String("reason", result.Reason),
					zap.Error(result.Err),
					zap.Duration("backoff", delay),
					zap.Int("attempt", job.Attempts),
					zap.Int("max_attempts", job.MaxAttempts))
				metrics.JobRetries.WithLabelValues(job.QueueName).Inc()
			}
		}

	case OutcomeTerminal:
		err = d.store.CompleteFailure(fctx, job.ID, d.WorkerID, result.ErrorText(), TerminalFailure())
		if err == nil {
			jobLog.Warn("job failed terminally",
				zap.String("reason", result.Reason), zap.Error(result.Err))
			metrics.JobsCompleted.WithLabelValues(job.QueueName, "failed").Inc()
			d.progress.Drop(job.ID)
			d.clearPanic(job.ID)
		}
	}

	if err != nil {
		if errors.Is(err, ErrLockLost) {
			jobLog.Warn("lock lost, result discarded; reclaim path owns the job")
			metrics.LocksLost.Inc()
			return
		}
		jobLog.Error("finalize failed", zap.Error(err))
	}
}

func (d *Dispatcher) waitWithGrace() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("all handlers drained")
	case <-time.After(d.opts.ShutdownGrace):
		d.log.Warn("grace deadline exceeded; abandoning in-flight handlers to reclaim")
	}
}

func (d *Dispatcher) recordPanic(jobID uuid.UUID) int {
	d.panicMu.Lock()
	defer d.panicMu.Unlock()
	d.panicCounts[jobID]++
	return d.panicCounts[jobID]
}

func (d *Dispatcher) clearPanic(jobID uuid.UUID) {
	d.panicMu.Lock()
	defer d.panicMu.Unlock()
	delete(d.panicCounts, jobID)
}
