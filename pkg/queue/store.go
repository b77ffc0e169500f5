package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"villagecal/pkg/models"
)

var (
	// ErrNotFound means no row matched the id.
	ErrNotFound = errors.New("job not found")
	// ErrLockLost means the caller no longer holds the claim lock;
	// its result must be discarded.
	ErrLockLost = errors.New("job lock lost")
	// ErrUnknownQueue rejects enqueues with an empty queue name; names
	// are not checked against the handler registry.
	ErrUnknownQueue = errors.New("unknown queue name")
)

// EnqueueOptions tune a single enqueue. Zero values take the documented
// defaults.
type EnqueueOptions struct {
	Priority    int        // 0-100, default 5
	RunAt       *time.Time // default now
	MaxAttempts int        // 1-10, default 3
	ActorID     string
	// DedupeKey collapses duplicate enqueues while a non-terminal row
	// with the same (queue_name, dedupe_key) exists.
	DedupeKey string
}

const (
	DefaultPriority    = 5
	MaxPriority        = 100
	DefaultMaxAttempts = 3
	MaxMaxAttempts     = 10
)

// ListFilter narrows List results. Zero fields are ignored.
type ListFilter struct {
	QueueName    string
	State        models.JobState
	ActorID      string
	CreatedAfter *time.Time
}

// RetryDecision tells CompleteFailure whether to reschedule or finish.
type RetryDecision struct {
	RetryAt  *time.Time // nil means terminal
	Terminal bool
}

func RetryAt(t time.Time) RetryDecision {
	return RetryDecision{RetryAt: &t}
}

func TerminalFailure() RetryDecision {
	return RetryDecision{Terminal: true}
}

// Store is the durable queue. All transitions on a single row are
// atomic; Complete* require the caller to still hold the claim lock.
type Store interface {
	Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (uuid.UUID, error)
	ClaimBatch(ctx context.Context, workerID string, maxN int, lockTTL time.Duration) ([]models.Job, error)
	CompleteSuccess(ctx context.Context, jobID uuid.UUID, workerID string) error
	CompleteFailure(ctx context.Context, jobID uuid.UUID, workerID string, errorText string, decision RetryDecision) error
	ReclaimStuck(ctx context.Context, lockTTL time.Duration) (int64, error)
	GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter ListFilter, limit int) ([]models.Job, error)
	CancelPending(ctx context.Context, jobID uuid.UUID) (bool, error)
	CountRunnable(ctx context.Context) (int64, error)
}
