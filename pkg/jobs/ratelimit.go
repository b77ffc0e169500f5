package jobs

import (
	"context"
	"time"

	"gorm.io/gorm"

	"villagecal/pkg/models"
)

// PDFJobCounter counts a user's recent PDF jobs for the free-tier cap.
// The facade uses it for the synchronous fast-fail; the handler uses it
// again as the defense behind direct enqueues.
type PDFJobCounter interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// DBPDFJobCounter counts against the jobs table, matching the user id
// recorded in the payload at enqueue time.
type DBPDFJobCounter struct {
	DB *gorm.DB
}

func (c *DBPDFJobCounter) CountSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := c.DB.WithContext(ctx).Model(&models.Job{}).
		Where("queue_name = ?", models.QueuePDFGeneration).
		Where("created >= ?", since).
		Where("payload ->> 'requested_by_user_id' = ?", userID).
		Count(&count).Error
	return count, err
}
