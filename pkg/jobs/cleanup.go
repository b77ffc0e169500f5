package jobs

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

const defaultSessionMaxAgeDays = 30

// CleanupHandler sweeps guest sessions idle past the cutoff, along with
// their orphaned calendars.
type CleanupHandler struct {
	DB *gorm.DB
}

func (h *CleanupHandler) Queue() string { return models.QueueGuestSessionCleanup }

func (h *CleanupHandler) Execute(ctx context.Context, jc *queue.JobContext) queue.Result {
	var payload models.CleanupJobPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return queue.Terminal("invalid_payload", err)
	}
	maxAgeDays := payload.OlderThanDays
	if maxAgeDays <= 0 {
		maxAgeDays = defaultSessionMaxAgeDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	var stale []models.GuestSession
	err := h.DB.WithContext(ctx).Where("last_seen_at < ?", cutoff).Find(&stale).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}
	if len(stale) == 0 {
		return queue.Success()
	}

	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}

	// Soft-delete the sessions' calendars first, then the sessions;
	// a retry after a partial sweep just finds less to do.
	err = h.DB.WithContext(ctx).
		Where("guest_session_id IN ? AND owner_user_id IS NULL", ids).
		Delete(&models.Calendar{}).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}

	res := h.DB.WithContext(ctx).Where("id IN ?", ids).Delete(&models.GuestSession{})
	if res.Error != nil {
		return queue.Retryable("storage_unavailable", res.Error)
	}

	jc.Log.Info("guest sessions swept",
		zap.Int64("sessions", res.RowsAffected),
		zap.Time("cutoff", cutoff))
	return queue.Success()
}
