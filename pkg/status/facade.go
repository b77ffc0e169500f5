package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"villagecal/pkg/jobs"
	"villagecal/pkg/metrics"
	"villagecal/pkg/models"
	"villagecal/pkg/objectstore"
	"villagecal/pkg/queue"
)

// ErrRateLimited is the synchronous fast-fail for free-tier users at
// their daily render cap. The handler enforces the same cap again for
// enqueues that bypass the facade.
var ErrRateLimited = errors.New("pdf generation rate limit reached")

// ErrNotRetryable rejects RetryFailed on jobs that are not terminal
// failures.
var ErrNotRetryable = errors.New("job is not in a failed state")

// JobStatus is the shape returned to HTTP clients.
type JobStatus struct {
	JobID       string  `json:"jobId"`
	State       string  `json:"state"`
	ProgressPct *int    `json:"progressPct"`
	ResultURL   *string `json:"resultUrl"`
	Error       *string `json:"error"`
	Attempts    int     `json:"attempts"`
}

// Facade is the job surface the HTTP layer talks to.
type Facade struct {
	Store    queue.Store
	DB       *gorm.DB
	Objects  objectstore.Client
	Progress *queue.ProgressMap
	Notifier queue.Notifier

	Counter     jobs.PDFJobCounter
	Tier        jobs.TierResolver
	FreeTierCap int

	Log *zap.Logger
}

// EnqueuePdfGeneration validates the request, applies the synchronous
// rate pre-check, and enqueues the render plus a thumbnail refresh.
func (f *Facade) EnqueuePdfGeneration(ctx context.Context, calendarID uuid.UUID, watermark bool, userID string) (uuid.UUID, error) {
	// Validation errors surface synchronously; everything after the
	// insert goes through the status API.
	var cal models.Calendar
	err := f.DB.WithContext(ctx).Select("id").First(&cal, "id = ?", calendarID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, queue.ErrNotFound
		}
		return uuid.Nil, err
	}

	if userID != "" {
		paid, err := f.Tier.IsPaid(ctx, userID)
		if err != nil {
			return uuid.Nil, err
		}
		if !paid {
			count, err := f.Counter.CountSince(ctx, userID, time.Now().Add(-24*time.Hour))
			if err != nil {
				return uuid.Nil, err
			}
			if count >= int64(f.FreeTierCap) {
				return uuid.Nil, ErrRateLimited
			}
		}
	}

	payload, err := json.Marshal(models.PDFJobPayload{
		CalendarID:        calendarID,
		Watermark:         watermark,
		RequestedByUserID: userID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	jobID, err := f.Store.Enqueue(ctx, models.QueuePDFGeneration, payload, queue.EnqueueOptions{
		ActorID: calendarID.String(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	metrics.JobsEnqueued.WithLabelValues(models.QueuePDFGeneration).Inc()

	// Thumbnail refresh rides along. A pending one for the same
	// calendar collapses via dedupe.
	thumbPayload, _ := json.Marshal(models.ThumbnailJobPayload{CalendarID: calendarID})
	_, err = f.Store.Enqueue(ctx, models.QueueCalendarThumbnail, thumbPayload, queue.EnqueueOptions{
		ActorID:   calendarID.String(),
		DedupeKey: fmt.Sprintf("thumb:%s", calendarID),
	})
	if err != nil {
		f.Log.Warn("thumbnail enqueue failed", zap.Error(err))
	} else {
		metrics.JobsEnqueued.WithLabelValues(models.QueueCalendarThumbnail).Inc()
	}

	if f.Notifier != nil {
		f.Notifier.NotifyEnqueued(ctx)
	}
	return jobID, nil
}

// GetJobStatus reads one row and, for succeeded PDF jobs, mints a fresh
// signed download URL.
func (f *Facade) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := f.Store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := &JobStatus{
		JobID:    job.ID.String(),
		State:    string(job.State()),
		Attempts: job.Attempts,
	}

	if job.State() == models.JobStateInProgress {
		if pct, ok := f.Progress.Get(job.ID); ok {
			st.ProgressPct = &pct
		}
	}

	if job.CompletedWithFailure && job.LastError != nil {
		reason := shortReason(*job.LastError)
		st.Error = &reason
	}

	if job.Complete && job.QueueName == models.QueuePDFGeneration {
		if url, err := f.resultURL(ctx, job); err != nil {
			f.Log.Warn("signing result url failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		} else if url != "" {
			st.ResultURL = &url
		}
	}

	return st, nil
}

func (f *Facade) resultURL(ctx context.Context, job *models.Job) (string, error) {
	var payload models.PDFJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", err
	}

	var cal models.Calendar
	err := f.DB.WithContext(ctx).Select("pdf_object_key").First(&cal, "id = ?", payload.CalendarID).Error
	if err != nil {
		return "", err
	}
	if cal.PDFObjectKey == nil || *cal.PDFObjectKey == "" {
		return "", nil
	}
	return f.Objects.SignedGet(ctx, *cal.PDFObjectKey, objectstore.DefaultSignedTTL)
}

// ListJobs is the admin listing passthrough.
func (f *Facade) ListJobs(ctx context.Context, filter queue.ListFilter, limit int) ([]models.Job, error) {
	return f.Store.List(ctx, filter, limit)
}

// CancelJob cancels a pending job.
func (f *Facade) CancelJob(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return f.Store.CancelPending(ctx, jobID)
}

// RetryFailed clones a terminally failed job into a fresh row with the
// same payload. Admin only; the caller gates on role.
func (f *Facade) RetryFailed(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	job, err := f.Store.GetByID(ctx, jobID)
	if err != nil {
		return uuid.Nil, err
	}
	if !job.CompletedWithFailure {
		return uuid.Nil, ErrNotRetryable
	}

	newID, err := f.Store.Enqueue(ctx, job.QueueName, job.Payload, queue.EnqueueOptions{
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		ActorID:     job.ActorID,
	})
	if err != nil {
		return uuid.Nil, err
	}
	metrics.JobsEnqueued.WithLabelValues(job.QueueName).Inc()
	if f.Notifier != nil {
		f.Notifier.NotifyEnqueued(ctx)
	}
	return newID, nil
}

// shortReason trims last_error to its leading classifier, keeping
// stack detail out of client responses.
func shortReason(lastError string) string {
	if idx := strings.Index(lastError, ":"); idx > 0 {
		return lastError[:idx]
	}
	return lastError
}
