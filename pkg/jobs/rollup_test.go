package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"villagecal/pkg/models"
	"villagecal/pkg/queue"
)

func seedDayTraffic(t *testing.T, db *gorm.DB, day time.Time) uuid.UUID {
	t.Helper()

	for i := 0; i < 5; i++ {
		pv := &models.PageView{Path: "/editor", SessionID: "s1"}
		require.NoError(t, db.Create(pv).Error)
		require.NoError(t, db.Model(pv).Update("created_at", day.Add(time.Duration(i)*time.Hour)).Error)
	}

	popular := uuid.New()
	other := uuid.New()
	specs := []struct {
		template uuid.UUID
		cents    int64
	}{
		{popular, 4999}, {popular, 4999}, {other, 7999},
	}
	for _, spec := range specs {
		o := &models.Order{
			UserID: "u1", CalendarID: uuid.New(), TemplateID: spec.template,
			Email: "x@example.com", TotalCents: spec.cents, Status: models.OrderStatusPaid,
		}
		require.NoError(t, db.Create(o).Error)
		require.NoError(t, db.Model(o).Update("created_at", day.Add(2*time.Hour)).Error)
	}

	// Noise outside the window must not count.
	late := &models.Order{
		UserID: "u2", CalendarID: uuid.New(), TemplateID: other,
		Email: "y@example.com", TotalCents: 100000, Status: models.OrderStatusPaid,
	}
	require.NoError(t, db.Create(late).Error)
	require.NoError(t, db.Model(late).Update("created_at", day.Add(25*time.Hour)).Error)

	return popular
}

func TestRollupAggregatesOneDay(t *testing.T) {
	db := testDB(t)
	day := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	popular := seedDayTraffic(t, db, day)

	h := &RollupHandler{DB: db}
	res := h.Execute(context.Background(), jobContext(t, models.RollupJobPayload{Day: "2026-07-31"}))
	require.Equal(t, queue.OutcomeSuccess, res.Outcome, "reason=%s err=%v", res.Reason, res.Err)

	var rollup models.AnalyticsRollup
	require.NoError(t, db.First(&rollup, "day = ?", "2026-07-31").Error)
	assert.Equal(t, int64(5), rollup.PageViews)
	assert.Equal(t, int64(3), rollup.Orders)
	assert.Equal(t, int64(4999+4999+7999), rollup.RevenueCents)
	require.NotNil(t, rollup.TopTemplateID)
	assert.Equal(t, popular.String(), *rollup.TopTemplateID)
	assert.Equal(t, int64(2), rollup.TopTemplateUses)
}

func TestRollupIdempotentRerun(t *testing.T) {
	db := testDB(t)
	day := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	seedDayTraffic(t, db, day)

	h := &RollupHandler{DB: db}
	jc := jobContext(t, models.RollupJobPayload{Day: "2026-07-31"})
	require.Equal(t, queue.OutcomeSuccess, h.Execute(context.Background(), jc).Outcome)
	require.Equal(t, queue.OutcomeSuccess, h.Execute(context.Background(), jc).Outcome)

	var count int64
	require.NoError(t, db.Model(&models.AnalyticsRollup{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "re-running a day upserts, never duplicates")
}

func TestRollupEmptyDay(t *testing.T) {
	db := testDB(t)

	h := &RollupHandler{DB: db}
	res := h.Execute(context.Background(), jobContext(t, models.RollupJobPayload{Day: "2026-01-01"}))
	require.Equal(t, queue.OutcomeSuccess, res.Outcome)

	var rollup models.AnalyticsRollup
	require.NoError(t, db.First(&rollup, "day = ?", "2026-01-01").Error)
	assert.Zero(t, rollup.PageViews)
	assert.Zero(t, rollup.Orders)
	assert.Nil(t, rollup.TopTemplateID)
}

func TestRollupBadDayTerminal(t *testing.T) {
	h := &RollupHandler{DB: testDB(t)}
	res := h.Execute(context.Background(), jobContext(t, models.RollupJobPayload{Day: "yesterday"}))
	assert.Equal(t, queue.OutcomeTerminal, res.Outcome)
	assert.Equal(t, "invalid_payload", res.Reason)
}

func TestCleanupSweepsStaleSessions(t *testing.T) {
	db := testDB(t)

	stale := &models.GuestSession{ID: "guest-old", LastSeenAt: time.Now().UTC().AddDate(0, 0, -45)}
	fresh := &models.GuestSession{ID: "guest-new", LastSeenAt: time.Now().UTC().AddDate(0, 0, -2)}
	require.NoError(t, db.Create(stale).Error)
	require.NoError(t, db.Create(fresh).Error)

	guestID := "guest-old"
	cal := &models.Calendar{GuestSessionID: &guestID, TemplateID: uuid.New()}
	require.NoError(t, db.Create(cal).Error)

	h := &CleanupHandler{DB: db}
	res := h.Execute(context.Background(), jobContext(t, models.CleanupJobPayload{OlderThanDays: 30}))
	require.Equal(t, queue.OutcomeSuccess, res.Outcome)

	var sessions []models.GuestSession
	require.NoError(t, db.Find(&sessions).Error)
	require.Len(t, sessions, 1)
	assert.Equal(t, "guest-new", sessions[0].ID)

	var calCount int64
	require.NoError(t, db.Model(&models.Calendar{}).Count(&calCount).Error)
	assert.Zero(t, calCount, "orphaned guest calendars go with the session")
}
