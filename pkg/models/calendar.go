package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CalendarConfig is the editor-controlled layout configuration,
// stored as JSONB. ConfigVersion on the calendar row bumps whenever
// this changes so renders can be fingerprinted.
type CalendarConfig struct {
	Year          int    `json:"year"`
	StartMonth    int    `json:"start_month"`
	MonthCount    int    `json:"month_count"`
	Theme         string `json:"theme"`
	ShowHolidays  bool   `json:"show_holidays"`
	ShowMoonPhase bool   `json:"show_moon_phase"`
	Title         string `json:"title"`
}

func (c *CalendarConfig) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, c)
}

func (c CalendarConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Calendar is the customer's wall calendar document. The editor mutates
// Config; the PDF pipeline only reads it and writes the render result
// columns back.
type Calendar struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerUserID    *string        `json:"owner_user_id,omitempty" gorm:"type:varchar(128);index"`
	GuestSessionID *string        `json:"guest_session_id,omitempty" gorm:"type:varchar(128);index"`
	TemplateID     uuid.UUID      `json:"template_id" gorm:"type:uuid;not null"`
	Config         CalendarConfig `json:"config" gorm:"type:jsonb"`
	ConfigVersion  int64          `json:"config_version" gorm:"not null;default:1"`

	// Render result, written by the PDF handler (last writer by
	// generated_at wins).
	PDFObjectKey *string    `json:"pdf_object_key,omitempty" gorm:"type:varchar(512)"`
	PDFBytesHash *string    `json:"pdf_bytes_hash,omitempty" gorm:"type:varchar(64)"`
	GeneratedAt  *time.Time `json:"generated_at,omitempty"`
	LastJobID    *uuid.UUID `json:"last_job_id,omitempty" gorm:"type:uuid"`

	ThumbObjectKey *string `json:"thumb_object_key,omitempty" gorm:"type:varchar(512)"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Events []CalendarEvent `json:"events,omitempty" gorm:"foreignKey:CalendarID;constraint:OnDelete:CASCADE"`
}

func (c *Calendar) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return
}

// Owner returns the object-store path segment for this calendar's owner:
// the user id, or the guest session id for anonymous calendars.
func (c *Calendar) Owner() string {
	if c.OwnerUserID != nil && *c.OwnerUserID != "" {
		return *c.OwnerUserID
	}
	if c.GuestSessionID != nil && *c.GuestSessionID != "" {
		return *c.GuestSessionID
	}
	return "anonymous"
}

// CalendarEvent is a user-entered date annotation printed on the grid.
type CalendarEvent struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CalendarID uuid.UUID `json:"calendar_id" gorm:"type:uuid;not null;index"`
	Date       string    `json:"date" gorm:"type:varchar(10);not null"` // YYYY-MM-DD
	Label      string    `json:"label" gorm:"type:varchar(256);not null"`
	Emoji      string    `json:"emoji" gorm:"type:varchar(16)"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e *CalendarEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

// TemplatePrintSpec is the physical output description of a template.
type TemplatePrintSpec struct {
	WidthInches  float64 `json:"width_inches"`
	HeightInches float64 `json:"height_inches"`
	DPI          int     `json:"dpi"`
}

func (s *TemplatePrintSpec) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, s)
}

func (s TemplatePrintSpec) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// DefaultPrintSpec is the stock wall-calendar size.
func DefaultPrintSpec() TemplatePrintSpec {
	return TemplatePrintSpec{WidthInches: 36, HeightInches: 23, DPI: 300}
}

// Template is a designed calendar layout customers start from.
type Template struct {
	ID        uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string            `json:"name" gorm:"type:varchar(128);not null"`
	PrintSpec TemplatePrintSpec `json:"print_spec" gorm:"type:jsonb"`
	Published bool              `json:"published" gorm:"not null;default:false"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (t *Template) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return
}

// GuestSession tracks anonymous editor sessions; swept by the
// guest_session_cleanup job after 30 idle days.
type GuestSession struct {
	ID         string    `json:"id" gorm:"type:varchar(128);primaryKey"`
	LastSeenAt time.Time `json:"last_seen_at" gorm:"not null;index"`
	CreatedAt  time.Time `json:"created_at"`
}
