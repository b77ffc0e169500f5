package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Queue names with registered handlers.
const (
	QueuePDFGeneration       = "pdf_generation"
	QueueCalendarThumbnail   = "calendar_thumbnail"
	QueueOrderConfirmation   = "order_confirmation_email"
	QueueShippingNotice      = "shipping_notification_email"
	QueueAnalyticsRollup     = "analytics_rollup"
	QueueGuestSessionCleanup = "guest_session_cleanup"
)

// JobState is the externally visible lifecycle state, derived from the
// row's lock and terminal flags.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateInProgress JobState = "in_progress"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
)

// Job is a durable queue entry. Rows are claimed with row-level locks;
// every mutation after insert either holds the claim lock or is an atomic
// conditional update.
type Job struct {
	ID        uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	QueueName string          `json:"queue_name" gorm:"type:varchar(64);not null;index"`
	Payload   json.RawMessage `json:"payload" gorm:"type:jsonb"`
	ActorID   string          `json:"actor_id" gorm:"type:varchar(128);index"`
	DedupeKey *string         `json:"dedupe_key,omitempty" gorm:"type:varchar(192)"`

	Priority    int       `json:"priority" gorm:"not null;default:5"`
	RunAt       time.Time `json:"run_at" gorm:"not null"`
	Attempts    int       `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int       `json:"max_attempts" gorm:"not null;default:3"`

	Locked   bool       `json:"locked" gorm:"not null;default:false"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
	LockedBy *string    `json:"locked_by,omitempty" gorm:"type:varchar(128)"`

	LastError *string `json:"last_error,omitempty" gorm:"type:text"`

	Complete             bool       `json:"complete" gorm:"not null;default:false"`
	CompletedWithFailure bool       `json:"completed_with_failure" gorm:"not null;default:false"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	FailedAt             *time.Time `json:"failed_at,omitempty"`

	Created time.Time `json:"created" gorm:"autoCreateTime"`
	Updated time.Time `json:"updated" gorm:"autoUpdateTime"`
	Version int64     `json:"version" gorm:"not null;default:0"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}
	return
}

// State derives the lifecycle state from the row flags.
func (j *Job) State() JobState {
	switch {
	case j.Complete:
		return JobStateSucceeded
	case j.CompletedWithFailure:
		return JobStateFailed
	case j.Locked:
		return JobStateInProgress
	default:
		return JobStatePending
	}
}

// Terminal reports whether the row will never run again.
func (j *Job) Terminal() bool {
	return j.Complete || j.CompletedWithFailure
}

// Runnable reports eligibility for claim at the given instant.
func (j *Job) Runnable(now time.Time) bool {
	return !j.Terminal() && !j.Locked && !j.RunAt.After(now)
}

// PDFJobPayload is the typed payload of the pdf_generation queue.
// Opaque to the queue, validated by the handler on decode.
type PDFJobPayload struct {
	CalendarID        uuid.UUID `json:"calendar_id"`
	Watermark         bool      `json:"watermark"`
	RequestedByUserID string    `json:"requested_by_user_id,omitempty"`
	OutputKeyHint     string    `json:"output_key_hint,omitempty"`
}

// ThumbnailJobPayload drives the calendar_thumbnail queue.
type ThumbnailJobPayload struct {
	CalendarID uuid.UUID `json:"calendar_id"`
}

// EmailJobPayload drives both email queues.
type EmailJobPayload struct {
	OrderID   uuid.UUID `json:"order_id"`
	Recipient string    `json:"recipient"`
}

// RollupJobPayload names the UTC day to aggregate, e.g. "2026-07-31".
type RollupJobPayload struct {
	Day string `json:"day"`
}

// CleanupJobPayload bounds guest session deletion.
type CleanupJobPayload struct {
	OlderThanDays int `json:"older_than_days"`
}
