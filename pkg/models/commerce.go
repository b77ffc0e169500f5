package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusShipped OrderStatus = "SHIPPED"
)

// Order is the minimal commerce record the email handlers and the
// analytics rollup read. Checkout itself happens upstream.
type Order struct {
	ID           uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       string      `json:"user_id" gorm:"type:varchar(128);index"`
	CalendarID   uuid.UUID   `json:"calendar_id" gorm:"type:uuid;not null"`
	TemplateID   uuid.UUID   `json:"template_id" gorm:"type:uuid;not null"`
	Email        string      `json:"email" gorm:"type:varchar(256);not null"`
	TotalCents   int64       `json:"total_cents" gorm:"not null"`
	Status       OrderStatus `json:"status" gorm:"type:varchar(20);not null;default:'PAID'"`
	TrackingCode string      `json:"tracking_code" gorm:"type:varchar(64)"`
	CreatedAt    time.Time   `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) (err error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return
}

// PageView is the raw analytics event the daily rollup aggregates.
type PageView struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Path      string    `json:"path" gorm:"type:varchar(512);not null"`
	SessionID string    `json:"session_id" gorm:"type:varchar(128)"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (p *PageView) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return
}

// AnalyticsRollup is one UTC day's aggregate, upserted by the
// analytics_rollup job so re-runs are idempotent.
type AnalyticsRollup struct {
	Day             string    `json:"day" gorm:"type:varchar(10);primaryKey"` // YYYY-MM-DD
	PageViews       int64     `json:"page_views" gorm:"not null;default:0"`
	Orders          int64     `json:"orders" gorm:"not null;default:0"`
	RevenueCents    int64     `json:"revenue_cents" gorm:"not null;default:0"`
	TopTemplateID   *string   `json:"top_template_id,omitempty" gorm:"type:varchar(64)"`
	TopTemplateUses int64     `json:"top_template_uses" gorm:"not null;default:0"`
	ComputedAt      time.Time `json:"computed_at"`
}
