package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

// lastErrorMaxBytes bounds last_error so failing jobs cannot grow rows
// without limit.
const lastErrorMaxBytes = 4096

// Store is the durable queue on postgres. Claims take row-level locks
// with SKIP LOCKED so concurrent claimers neither block nor double-claim;
// Complete* are conditional on still holding the lock.
type Store struct {
	db *gorm.DB
}

var _ queue.Store = (*Store)(nil)

// NewStore connects, migrates the schema, and creates the partial
// indexes the claim and dedupe paths depend on.
func NewStore(dbURL string, poolSize int) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Every worker may hold a connection mid-handler, plus dispatcher,
	// scheduler, and API overhead.
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(poolSize + 10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.Job{},
		&models.Calendar{},
		&models.CalendarEvent{},
		&models.Template{},
		&models.Order{},
		&models.PageView{},
		&models.AnalyticsRollup{},
		&models.GuestSession{},
	); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	if err := createPartialIndexes(db); err != nil {
		return nil, fmt.Errorf("index creation failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing gorm handle (tests).
func NewStoreWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// createPartialIndexes adds the indexes gorm tags cannot express: the
// runnable-ordering index, the stuck-lock scan index, and the dedupe
// uniqueness arbiter.
func createPartialIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_runnable
			ON jobs (priority DESC, run_at ASC, created ASC)
			WHERE NOT complete AND NOT completed_with_failure`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_locked_at
			ON jobs (locked_at)
			WHERE locked`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe
			ON jobs (queue_name, dedupe_key)
			WHERE NOT complete AND NOT completed_with_failure AND dedupe_key IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle for handlers' own data mutations.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue inserts a pending row. With a dedupe key, a conflicting
// non-terminal row makes the insert a no-op returning the existing id.
func (s *Store) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts queue.EnqueueOptions) (uuid.UUID, error) {
	if queueName == "" {
		return uuid.Nil, queue.ErrUnknownQueue
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	priority := opts.Priority
	if priority == 0 {
		priority = queue.DefaultPriority
	}
	if priority < 0 || priority > queue.MaxPriority {
		return uuid.Nil, fmt.Errorf("priority %d out of range [0, %d]", priority, queue.MaxPriority)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	if maxAttempts < 1 || maxAttempts > queue.MaxMaxAttempts {
		return uuid.Nil, fmt.Errorf("max_attempts %d out of range [1, %d]", maxAttempts, queue.MaxMaxAttempts)
	}

	runAt := time.Now().UTC()
	if opts.RunAt != nil {
		runAt = opts.RunAt.UTC()
	}

	id := uuid.New()

	if opts.DedupeKey == "" {
		job := models.Job{
			ID:          id,
			QueueName:   queueName,
			Payload:     payload,
			ActorID:     opts.ActorID,
			Priority:    priority,
			RunAt:       runAt,
			MaxAttempts: maxAttempts,
		}
		if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
			return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
		}
		return id, nil
	}

	// The dedupe arbiter is the partial unique index; DO NOTHING plus a
	// follow-up lookup keeps the whole path free of read-then-write races.
	var inserted []struct{ ID uuid.UUID }
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO jobs (id, queue_name, payload, actor_id, dedupe_key,
			priority, run_at, attempts, max_attempts, created, updated, version)
		VALUES (?, ?, ?::jsonb, ?, ?, ?, ?, 0, ?, NOW(), NOW(), 0)
		ON CONFLICT (queue_name, dedupe_key)
			WHERE NOT complete AND NOT completed_with_failure AND dedupe_key IS NOT NULL
			DO NOTHING
		RETURNING id`,
		id, queueName, string(payload), opts.ActorID, opts.DedupeKey,
		priority, runAt, maxAttempts,
	).Scan(&inserted).Error
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if len(inserted) > 0 {
		return inserted[0].ID, nil
	}

	// Conflict: return the live row's id.
	var existing models.Job
	err = s.db.WithContext(ctx).
		Where("queue_name = ? AND dedupe_key = ? AND NOT complete AND NOT completed_with_failure", queueName, opts.DedupeKey).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The conflicting row went terminal between statements; run
			// the enqueue again.
			return s.Enqueue(ctx, queueName, payload, opts)
		}
		return uuid.Nil, fmt.Errorf("dedupe lookup failed: %w", err)
	}
	return existing.ID, nil
}

// ClaimBatch atomically claims up to maxN runnable rows in
// (priority DESC, run_at ASC, created ASC) order. SKIP LOCKED keeps
// concurrent claimers from blocking or returning the same row.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, maxN int, lockTTL time.Duration) ([]models.Job, error) {
	if maxN <= 0 {
		return nil, nil
	}

	var jobs []models.Job
	err := s.db.WithContext(ctx).Raw(`
		UPDATE jobs SET
			locked = TRUE,
			locked_at = NOW(),
			locked_by = ?,
			attempts = attempts + 1,
			updated = NOW(),
			version = version + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE run_at <= NOW()
				AND NOT locked
				AND NOT complete
				AND NOT completed_with_failure
			ORDER BY priority DESC, run_at ASC, created ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		workerID, maxN,
	).Scan(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("claim batch failed: %w", err)
	}
	return jobs, nil
}

// CompleteSuccess finishes a job the caller still holds the lock on.
func (s *Store) CompleteSuccess(ctx context.Context, jobID uuid.UUID, workerID string) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE jobs SET
			complete = TRUE,
			completed_at = NOW(),
			locked = FALSE,
			locked_at = NULL,
			locked_by = NULL,
			last_error = NULL,
			updated = NOW(),
			version = version + 1
		WHERE id = ? AND locked AND locked_by = ?`,
		jobID, workerID,
	)
	if res.Error != nil {
		return fmt.Errorf("complete success failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.lockFailure(ctx, jobID)
	}
	return nil
}

// CompleteFailure either reschedules (retry decision carries a retry_at)
// or finishes the row as a terminal failure. Same lock-holder contract
// as CompleteSuccess.
func (s *Store) CompleteFailure(ctx context.Context, jobID uuid.UUID, workerID string, errorText string, decision queue.RetryDecision) error {
	errorText = truncateError(errorText)

	var res *gorm.DB
	if decision.Terminal || decision.RetryAt == nil {
		res = s.db.WithContext(ctx).Exec(`
			UPDATE jobs SET
				completed_with_failure = TRUE,
				failed_at = NOW(),
				locked = FALSE,
				locked_at = NULL,
				locked_by = NULL,
				last_error = ?,
				updated = NOW(),
				version = version + 1
			WHERE id = ? AND locked AND locked_by = ?`,
			errorText, jobID, workerID,
		)
	} else {
		res = s.db.WithContext(ctx).Exec(`
			UPDATE jobs SET
				locked = FALSE,
				locked_at = NULL,
				locked_by = NULL,
				run_at = ?,
				last_error = ?,
				updated = NOW(),
				version = version + 1
			WHERE id = ? AND locked AND locked_by = ?`,
			decision.RetryAt.UTC(), errorText, jobID, workerID,
		)
	}
	if res.Error != nil {
		return fmt.Errorf("complete failure failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.lockFailure(ctx, jobID)
	}
	return nil
}

// lockFailure distinguishes a vanished row from a lost lock.
func (s *Store) lockFailure(ctx context.Context, jobID uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return fmt.Errorf("lock check failed: %w", err)
	}
	if count == 0 {
		return queue.ErrNotFound
	}
	return queue.ErrLockLost
}

// ReclaimStuck unlocks rows whose claim outlived the TTL, leaving
// attempts untouched. The abandoned run is counted when it eventually
// errors, not by the reclaim.
func (s *Store) ReclaimStuck(ctx context.Context, lockTTL time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE jobs SET
			locked = FALSE,
			locked_at = NULL,
			locked_by = NULL,
			updated = NOW(),
			version = version + 1
		WHERE locked
			AND locked_at < NOW() - ?::interval
			AND NOT complete
			AND NOT completed_with_failure`,
		intervalSec(lockTTL),
	)
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stuck failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetByID returns a snapshot of one row.
func (s *Store) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, queue.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// List returns snapshots matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter queue.ListFilter, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&models.Job{})
	if filter.QueueName != "" {
		q = q.Where("queue_name = ?", filter.QueueName)
	}
	if filter.ActorID != "" {
		q = q.Where("actor_id = ?", filter.ActorID)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created > ?", *filter.CreatedAfter)
	}
	switch filter.State {
	case models.JobStatePending:
		q = q.Where("NOT locked AND NOT complete AND NOT completed_with_failure")
	case models.JobStateInProgress:
		q = q.Where("locked AND NOT complete AND NOT completed_with_failure")
	case models.JobStateSucceeded:
		q = q.Where("complete")
	case models.JobStateFailed:
		q = q.Where("completed_with_failure")
	}

	var jobs []models.Job
	if err := q.Order("created desc").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	return jobs, nil
}

// CancelPending transitions a pending, unlocked row to terminal failure.
// Returns false when the row is already locked or terminal.
func (s *Store) CancelPending(ctx context.Context, jobID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE jobs SET
			completed_with_failure = TRUE,
			failed_at = NOW(),
			last_error = 'cancelled',
			updated = NOW(),
			version = version + 1
		WHERE id = ?
			AND NOT locked
			AND NOT complete
			AND NOT completed_with_failure`,
		jobID,
	)
	if res.Error != nil {
		return false, fmt.Errorf("cancel failed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CountRunnable reports current queue depth for the gauge.
func (s *Store) CountRunnable(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("run_at <= NOW() AND NOT locked AND NOT complete AND NOT completed_with_failure").
		Count(&count).Error
	return count, err
}

// intervalSec renders a duration as a postgres interval literal;
// Duration.String() produces "5m0s" which postgres cannot parse.
func intervalSec(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

func truncateError(text string) string {
	if len(text) <= lastErrorMaxBytes {
		return text
	}
	return text[:lastErrorMaxBytes]
}
