package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"villagecal/pkg/metrics"
	"villagecal/pkg/models"
	"villagecal/pkg/objectstore"
	"villagecal/pkg/queue"
	"villagecal/pkg/render"
)

// PDFHandler renders a calendar to print-ready PDF and uploads it.
// Every step's failure class is deliberate: decode, not-found,
// authorization, and the rate cap are terminal; loader, transcoder, and
// storage hiccups retry.
type PDFHandler struct {
	DB          *gorm.DB
	Store       objectstore.Client
	Almanac     render.Almanac
	Counter     PDFJobCounter
	Tier        TierResolver
	FreeTierCap int
}

func (h *PDFHandler) Queue() string { return models.QueuePDFGeneration }

func (h *PDFHandler) Execute(ctx context.Context, jc *queue.JobContext) queue.Result {
	var payload models.PDFJobPayload
	if err := queue.DecodeStrict(jc.Payload, &payload); err != nil {
		return queue.Terminal("invalid_payload", err)
	}
	jc.Progress(5)

	// Load calendar, template, events.
	var cal models.Calendar
	err := h.DB.WithContext(ctx).Preload("Events").First(&cal, "id = ?", payload.CalendarID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Terminal("calendar_not_found", err)
		}
		return queue.Retryable("storage_unavailable", err)
	}

	var tmpl models.Template
	err = h.DB.WithContext(ctx).First(&tmpl, "id = ?", cal.TemplateID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Terminal("template_not_found", err)
		}
		return queue.Retryable("storage_unavailable", err)
	}
	jc.Progress(15)

	// Authorization and the free-tier cap only apply to user-initiated
	// renders; system renders (no requesting user) skip both.
	if payload.RequestedByUserID != "" {
		if res, ok := h.authorize(ctx, &cal, payload.RequestedByUserID); !ok {
			return res
		}
		if res, ok := h.enforceCap(ctx, payload.RequestedByUserID); !ok {
			return res
		}
	}
	jc.Progress(25)

	if err := ctx.Err(); err != nil {
		return queue.Retryable("cancelled", err)
	}

	// Fingerprint before rendering: a prior upload of the same inputs
	// makes the whole render unnecessary.
	layout := render.BuildLayout(&cal, tmpl.PrintSpec, cal.Events, h.Almanac)
	fingerprint := render.Fingerprint(tmpl.ID, cal.ConfigVersion, render.EventsHash(cal.Events), h.Almanac.Version(), payload.Watermark)

	key := payload.OutputKeyHint
	if key == "" {
		key = fmt.Sprintf("calendars/%s/%s/%s.pdf", cal.Owner(), cal.ID, fingerprint)
	}

	exists, err := h.Store.Exists(ctx, key)
	if err != nil {
		jc.Log.Warn("fingerprint existence check failed, rendering anyway", zap.Error(err))
	} else if exists {
		metrics.PDFCacheHits.Inc()
		jc.Log.Info("fingerprint key already uploaded, skipping render", zap.String("key", key))
		jc.Progress(95)
		return h.recordResult(ctx, jc, &cal, key, "")
	}

	// Render + watermark + transcode.
	renderStart := time.Now()
	svg := render.GenerateSVG(layout)
	jc.Progress(45)
	svg = render.ApplyWatermark(svg, layout, payload.Watermark)

	if err := ctx.Err(); err != nil {
		return queue.Retryable("cancelled", err)
	}

	pdfBytes, err := render.TranscodePDF(svg)
	if err != nil {
		return queue.Retryable("render_failed", err)
	}
	metrics.PDFRenderDuration.Observe(time.Since(renderStart).Seconds())
	metrics.PDFBytes.Observe(float64(len(pdfBytes)))
	jc.Progress(70)

	sum := sha256.Sum256(pdfBytes)
	hash := hex.EncodeToString(sum[:])

	// Upload. The client already does short in-handler retries; what
	// escapes it maps onto the job-level taxonomy.
	if err := h.Store.Put(ctx, key, pdfBytes, "application/pdf"); err != nil {
		if errors.Is(err, objectstore.ErrPermanent) {
			return queue.Terminal("storage_rejected", err)
		}
		return queue.Retryable("storage_unavailable", err)
	}
	jc.Progress(90)

	return h.recordResult(ctx, jc, &cal, key, hash)
}

func (h *PDFHandler) authorize(ctx context.Context, cal *models.Calendar, userID string) (queue.Result, bool) {
	if cal.OwnerUserID != nil && *cal.OwnerUserID == userID {
		return queue.Result{}, true
	}
	admin, err := h.Tier.IsAdmin(ctx, userID)
	if err != nil {
		return queue.Retryable("storage_unavailable", err), false
	}
	if !admin {
		return queue.Terminal("unauthorized", fmt.Errorf("user %s does not own calendar %s", userID, cal.ID)), false
	}
	return queue.Result{}, true
}

func (h *PDFHandler) enforceCap(ctx context.Context, userID string) (queue.Result, bool) {
	paid, err := h.Tier.IsPaid(ctx, userID)
	if err != nil {
		return queue.Retryable("storage_unavailable", err), false
	}
	if paid {
		return queue.Result{}, true
	}

	count, err := h.Counter.CountSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return queue.Retryable("storage_unavailable", err), false
	}
	// The row being counted includes this job itself.
	if count > int64(h.FreeTierCap) {
		return queue.Terminal("rate_limited", fmt.Errorf("user %s exceeded %d renders per day", userID, h.FreeTierCap)), false
	}
	return queue.Result{}, true
}

// recordResult writes the render back onto the calendar row. Last
// writer by generated_at wins, so a slow earlier job cannot clobber a
// fresher render.
func (h *PDFHandler) recordResult(ctx context.Context, jc *queue.JobContext, cal *models.Calendar, key, hash string) queue.Result {
	now := time.Now().UTC()

	updates := map[string]interface{}{
		"pdf_object_key": key,
		"generated_at":   now,
		"last_job_id":    jc.JobID,
	}
	if hash != "" {
		updates["pdf_bytes_hash"] = hash
	}

	res := h.DB.WithContext(ctx).Model(&models.Calendar{}).
		Where("id = ?", cal.ID).
		Where("generated_at IS NULL OR generated_at < ?", now).
		Updates(updates)
	if res.Error != nil {
		return queue.Retryable("storage_unavailable", res.Error)
	}
	if res.RowsAffected == 0 {
		jc.Log.Info("newer render already recorded, skipping result update")
	}
	jc.Progress(100)
	return queue.Success()
}
