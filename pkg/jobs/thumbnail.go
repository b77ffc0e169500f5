package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"gorm.io/gorm"

	"villagecal/pkg/models"
	"villagecal/pkg/objectstore"
	"villagecal/pkg/queue"
	"villagecal/pkg/render"
)

const (
	thumbWidth  = 480
	thumbHeight = 307 // 36x23 aspect
)

// ThumbnailHandler renders a small PNG preview of the calendar grid for
// the editor gallery. Far cheaper than the PDF pipeline, so it gets its
// own queue and runs at default priority.
type ThumbnailHandler struct {
	DB    *gorm.DB
	Store objectstore.Client

	fontOnce sync.Once
	face     font.Face
	fontErr  error
}

func (h *ThumbnailHandler) Queue() string { return models.QueueCalendarThumbnail }

func (h *ThumbnailHandler) Execute(ctx context.Context, jc *queue.JobContext) queue.Result {
	var payload models.ThumbnailJobPayload
	if err := queue.DecodeStrict(jc.Payload, &payload); err != nil {
		return queue.Terminal("invalid_payload", err)
	}

	var cal models.Calendar
	err := h.DB.WithContext(ctx).Preload("Events").First(&cal, "id = ?", payload.CalendarID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Terminal("calendar_not_found", err)
		}
		return queue.Retryable("storage_unavailable", err)
	}
	jc.Progress(25)

	png, err := h.renderPNG(&cal)
	if err != nil {
		return queue.Retryable("render_failed", err)
	}
	jc.Progress(70)

	fingerprint := render.EventsHash(cal.Events)
	key := fmt.Sprintf("calendars/%s/%s/thumb-%s.png", cal.Owner(), cal.ID, fingerprint)

	if err := h.Store.Put(ctx, key, png, "image/png"); err != nil {
		if errors.Is(err, objectstore.ErrPermanent) {
			return queue.Terminal("storage_rejected", err)
		}
		return queue.Retryable("storage_unavailable", err)
	}

	err = h.DB.WithContext(ctx).Model(&models.Calendar{}).
		Where("id = ?", cal.ID).
		Update("thumb_object_key", key).Error
	if err != nil {
		return queue.Retryable("storage_unavailable", err)
	}

	jc.Progress(100)
	return queue.Success()
}

func (h *ThumbnailHandler) renderPNG(cal *models.Calendar) ([]byte, error) {
	h.fontOnce.Do(func() {
		parsed, err := truetype.Parse(goregular.TTF)
		if err != nil {
			h.fontErr = fmt.Errorf("parse font: %w", err)
			return
		}
		h.face = truetype.NewFace(parsed, &truetype.Options{Size: 11, DPI: 72})
	})
	if h.fontErr != nil {
		return nil, h.fontErr
	}

	theme := render.ThemeByName(cal.Config.Theme)
	dc := gg.NewContext(thumbWidth, thumbHeight)

	dc.SetColor(hexColor(theme.Background))
	dc.DrawRectangle(0, 0, thumbWidth, thumbHeight)
	dc.Fill()

	monthCount := cal.Config.MonthCount
	if monthCount < 1 || monthCount > 24 {
		monthCount = 12
	}

	marginX, marginY := 16.0, 28.0
	gridW := float64(thumbWidth) - 2*marginX
	gridH := float64(thumbHeight) - marginY - 12
	cellH := gridH / float64(monthCount)
	cellW := gridW / 31

	dc.SetFontFace(h.face)
	dc.SetColor(hexColor(theme.MonthLabel))
	title := cal.Config.Title
	if title == "" {
		title = fmt.Sprintf("%d", cal.Config.Year)
	}
	dc.DrawStringAnchored(title, thumbWidth/2, marginY/2, 0.5, 0.35)

	dc.SetColor(hexColor(theme.GridLine))
	dc.SetLineWidth(0.5)
	for m := 0; m <= monthCount; m++ {
		y := marginY + float64(m)*cellH
		dc.DrawLine(marginX, y, marginX+gridW, y)
		dc.Stroke()
	}
	for d := 0; d <= 31; d++ {
		x := marginX + float64(d)*cellW
		dc.DrawLine(x, marginY, x, marginY+gridH)
		dc.Stroke()
	}

	// Event dots
	dc.SetColor(hexColor(theme.Accent))
	for _, ev := range cal.Events {
		t, err := time.Parse("2006-01-02", ev.Date)
		if err != nil {
			continue
		}
		row := monthIndex(cal.Config, t)
		if row < 0 || row >= monthCount {
			continue
		}
		x := marginX + (float64(t.Day())-0.5)*cellW
		y := marginY + (float64(row)+0.7)*cellH
		dc.DrawCircle(x, y, 1.8)
		dc.Fill()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// monthIndex maps a date to its grid row. Dates before the span give a
// negative row and dates after it give a row >= the month count.
func monthIndex(cfg models.CalendarConfig, t time.Time) int {
	startMonth := cfg.StartMonth
	if startMonth < 1 || startMonth > 12 {
		startMonth = 1
	}
	return (t.Year()-cfg.Year)*12 + int(t.Month()) - startMonth
}

func hexColor(s string) color.Color {
	var r, g, b uint8
	if len(s) == 7 && s[0] == '#' {
		fmt.Sscanf(s[1:], "%02x%02x%02x", &r, &g, &b)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}
