package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"villagecal/pkg/models"
	"villagecal/pkg/objectstore"
	"villagecal/pkg/queue"
	"villagecal/pkg/render"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the shared in-memory database alive for the
	// whole test.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Calendar{}, &models.CalendarEvent{}, &models.Template{},
		&models.Order{}, &models.PageView{}, &models.AnalyticsRollup{},
		&models.GuestSession{},
	))
	return db
}

// fakeObjects is an in-memory objectstore.Client.
type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putErr   error
	putCalls int
}

var _ objectstore.Client = (*fakeObjects)(nil)

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) SignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

type fakeCounter struct{ count int64 }

func (c *fakeCounter) CountSince(context.Context, string, time.Time) (int64, error) {
	return c.count, nil
}

type fakeTier struct {
	paid  bool
	admin bool
}

func (tr fakeTier) IsPaid(context.Context, string) (bool, error)  { return tr.paid, nil }
func (tr fakeTier) IsAdmin(context.Context, string) (bool, error) { return tr.admin, nil }

func seedCalendar(t *testing.T, db *gorm.DB, owner string) (*models.Calendar, *models.Template) {
	t.Helper()
	tmpl := &models.Template{Name: "Classic Wall", PrintSpec: models.DefaultPrintSpec(), Published: true}
	require.NoError(t, db.Create(tmpl).Error)

	cal := &models.Calendar{
		OwnerUserID:   &owner,
		TemplateID:    tmpl.ID,
		ConfigVersion: 1,
		Config: models.CalendarConfig{
			Year: 2027, StartMonth: 1, MonthCount: 12,
			Theme: "classic", ShowHolidays: true, Title: "Test",
		},
	}
	require.NoError(t, db.Create(cal).Error)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.CalendarEvent{
			CalendarID: cal.ID,
			Date:       fmt.Sprintf("2027-06-%02d", i+10),
			Label:      fmt.Sprintf("event %d", i),
		}).Error)
	}
	return cal, tmpl
}

func pdfHandler(db *gorm.DB, store objectstore.Client, counter PDFJobCounter, tier TierResolver) *PDFHandler {
	return &PDFHandler{
		DB: db, Store: store, Almanac: render.BuiltinAlmanac{},
		Counter: counter, Tier: tier, FreeTierCap: 3,
	}
}

func jobContext(t *testing.T, payload interface{}) *queue.JobContext {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.JobContext{
		JobID:    uuid.New(),
		Attempts: 1,
		Payload:  raw,
		Log:      zap.NewNop(),
		Progress: func(int) {},
	}
}

func TestPDFHandlerHappyPath(t *testing.T) {
	db := testDB(t)
	objects := newFakeObjects()
	cal, _ := seedCalendar(t, db, "user-1")

	h := pdfHandler(db, objects, &fakeCounter{}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{
		CalendarID: cal.ID, Watermark: true, RequestedByUserID: "user-1",
	})

	res := h.Execute(context.Background(), jc)
	require.Equal(t, queue.OutcomeSuccess, res.Outcome, "reason=%s err=%v", res.Reason, res.Err)

	var updated models.Calendar
	require.NoError(t, db.First(&updated, "id = ?", cal.ID).Error)
	require.NotNil(t, updated.PDFObjectKey)
	assert.Contains(t, *updated.PDFObjectKey, fmt.Sprintf("calendars/user-1/%s/", cal.ID))
	assert.Contains(t, *updated.PDFObjectKey, ".pdf")
	require.NotNil(t, updated.PDFBytesHash)
	assert.Len(t, *updated.PDFBytesHash, 64)
	assert.NotNil(t, updated.GeneratedAt)
	require.NotNil(t, updated.LastJobID)
	assert.Equal(t, jc.JobID, *updated.LastJobID)

	stored, ok := objects.objects[*updated.PDFObjectKey]
	require.True(t, ok)
	assert.Greater(t, len(stored), 1024)
}

func TestPDFHandlerDecodeErrorTerminal(t *testing.T) {
	h := pdfHandler(testDB(t), newFakeObjects(), &fakeCounter{}, fakeTier{})

	jc := &queue.JobContext{
		JobID: uuid.New(), Payload: json.RawMessage(`{"unknown_field": true}`),
		Log: zap.NewNop(), Progress: func(int) {},
	}
	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeTerminal, res.Outcome)
	assert.Equal(t, "invalid_payload", res.Reason)
}

func TestPDFHandlerCalendarNotFoundTerminal(t *testing.T) {
	h := pdfHandler(testDB(t), newFakeObjects(), &fakeCounter{}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: uuid.New()})

	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeTerminal, res.Outcome)
	assert.Equal(t, "calendar_not_found", res.Reason)
}

func TestPDFHandlerUnauthorizedTerminal(t *testing.T) {
	db := testDB(t)
	cal, _ := seedCalendar(t, db, "owner")

	h := pdfHandler(db, newFakeObjects(), &fakeCounter{}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, RequestedByUserID: "intruder"})

	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeTerminal, res.Outcome)
	assert.Equal(t, "unauthorized", res.Reason)
}

func TestPDFHandlerAdminBypassesOwnership(t *testing.T) {
	db := testDB(t)
	cal, _ := seedCalendar(t, db, "owner")

	h := pdfHandler(db, newFakeObjects(), &fakeCounter{}, fakeTier{admin: true, paid: true})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, RequestedByUserID: "support-staff"})

	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeSuccess, res.Outcome)
}

func TestPDFHandlerRateLimitedTerminal(t *testing.T) {
	db := testDB(t)
	cal, _ := seedCalendar(t, db, "user-1")

	// Four jobs in the window (including this one) against a cap of 3.
	h := pdfHandler(db, newFakeObjects(), &fakeCounter{count: 4}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, RequestedByUserID: "user-1"})

	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeTerminal, res.Outcome)
	assert.Equal(t, "rate_limited", res.Reason)
}

func TestPDFHandlerPaidTierSkipsCap(t *testing.T) {
	db := testDB(t)
	cal, _ := seedCalendar(t, db, "user-1")

	h := pdfHandler(db, newFakeObjects(), &fakeCounter{count: 50}, fakeTier{paid: true})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, RequestedByUserID: "user-1"})

	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeSuccess, res.Outcome)
}

func TestPDFHandlerFingerprintShortCircuit(t *testing.T) {
	db := testDB(t)
	objects := newFakeObjects()
	cal, tmpl := seedCalendar(t, db, "user-1")

	var events []models.CalendarEvent
	require.NoError(t, db.Where("calendar_id = ?", cal.ID).Find(&events).Error)
	fingerprint := render.Fingerprint(tmpl.ID, cal.ConfigVersion, render.EventsHash(events), render.AlmanacVersion, true)
	key := fmt.Sprintf("calendars/user-1/%s/%s.pdf", cal.ID, fingerprint)
	objects.objects[key] = []byte("existing pdf")

	h := pdfHandler(db, objects, &fakeCounter{}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, Watermark: true, RequestedByUserID: "user-1"})

	res := h.Execute(context.Background(), jc)
	require.Equal(t, queue.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 0, objects.putCalls, "existing fingerprint must skip render and upload")

	var updated models.Calendar
	require.NoError(t, db.First(&updated, "id = ?", cal.ID).Error)
	require.NotNil(t, updated.PDFObjectKey)
	assert.Equal(t, key, *updated.PDFObjectKey)
}

func TestPDFHandlerStorageErrors(t *testing.T) {
	db := testDB(t)
	cal, _ := seedCalendar(t, db, "user-1")

	transient := newFakeObjects()
	transient.putErr = fmt.Errorf("connection reset")
	h := pdfHandler(db, transient, &fakeCounter{}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, RequestedByUserID: "user-1"})

	res := h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeRetryable, res.Outcome)
	assert.Equal(t, "storage_unavailable", res.Reason)

	permanent := newFakeObjects()
	permanent.putErr = fmt.Errorf("%w: access denied", objectstore.ErrPermanent)
	h = pdfHandler(db, permanent, &fakeCounter{}, fakeTier{})

	res = h.Execute(context.Background(), jc)
	assert.Equal(t, queue.OutcomeTerminal, res.Outcome)
	assert.Equal(t, "storage_rejected", res.Reason)
}

func TestPDFHandlerLastWriterWins(t *testing.T) {
	db := testDB(t)
	objects := newFakeObjects()
	cal, _ := seedCalendar(t, db, "user-1")

	// A newer job already recorded its render.
	future := time.Now().UTC().Add(time.Hour)
	newerKey := "calendars/user-1/newer.pdf"
	require.NoError(t, db.Model(&models.Calendar{}).Where("id = ?", cal.ID).Updates(map[string]interface{}{
		"generated_at":   future,
		"pdf_object_key": newerKey,
	}).Error)

	h := pdfHandler(db, objects, &fakeCounter{}, fakeTier{})
	jc := jobContext(t, models.PDFJobPayload{CalendarID: cal.ID, RequestedByUserID: "user-1"})

	res := h.Execute(context.Background(), jc)
	require.Equal(t, queue.OutcomeSuccess, res.Outcome)

	var updated models.Calendar
	require.NoError(t, db.First(&updated, "id = ?", cal.ID).Error)
	require.NotNil(t, updated.PDFObjectKey)
	assert.Equal(t, newerKey, *updated.PDFObjectKey, "older job must not clobber a fresher render")
}
