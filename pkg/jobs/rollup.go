package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

// RollupHandler aggregates one UTC day of page views, orders, and
// revenue into analytics_rollups. Upsert keyed on the day makes re-runs
// and retries idempotent.
type RollupHandler struct {
	DB *gorm.DB
}

func (h *RollupHandler) Queue() string { return models.QueueAnalyticsRollup }

func (h *RollupHandler) Execute(ctx context.Context, jc *queue.JobContext) queue.Result {
	// Extra payload fields are tolerated here: rollup payloads outlive
	// deploys in the queue.
	var payload models.RollupJobPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return queue.Terminal("invalid_payload", err)
	}

	day, err := time.Parse("2006-01-02", payload.Day)
	if err != nil {
		return queue.Terminal("invalid_payload", fmt.Errorf("bad day %q: %w", payload.Day, err))
	}
	dayStart := day.UTC()
	dayEnd := dayStart.Add(24 * time.Hour)

	rollup := models.AnalyticsRollup{
		Day:        payload.Day,
		ComputedAt: time.Now().UTC(),
	}

	err = h.DB.WithContext(ctx).Model(&models.PageView{}).
		Where("created_at >= ? AND created_at < ?", dayStart, dayEnd).
		Count(&rollup.PageViews).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}

	type orderAgg struct {
		Orders  int64
		Revenue int64
	}
	var agg orderAgg
	err = h.DB.WithContext(ctx).Model(&models.Order{}).
		Select("COUNT(*) AS orders, COALESCE(SUM(total_cents), 0) AS revenue").
		Where("created_at >= ? AND created_at < ?", dayStart, dayEnd).
		Scan(&agg).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}
	rollup.Orders = agg.Orders
	rollup.RevenueCents = agg.Revenue

	type templateAgg struct {
		TemplateID string
		Uses       int64
	}
	var top templateAgg
	err = h.DB.WithContext(ctx).Model(&models.Order{}).
		Select("template_id, COUNT(*) AS uses").
		Where("created_at >= ? AND created_at < ?", dayStart, dayEnd).
		Group("template_id").
		Order("uses DESC, template_id ASC").
		Limit(1).
		Scan(&top).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}
	if top.TemplateID != "" {
		rollup.TopTemplateID = &top.TemplateID
		rollup.TopTemplateUses = top.Uses
	}

	err = h.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		UpdateAll: true,
	}).Create(&rollup).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}

	jc.Log.Info("rollup computed",
		zap.String("day", payload.Day),
		zap.Int64("page_views", rollup.PageViews),
		zap.Int64("orders", rollup.Orders),
		zap.Int64("revenue_cents", rollup.RevenueCents))
	return queue.Success()
}
