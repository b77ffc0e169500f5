package render

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"villagecal/pkg/models"
)

func TestEventsHashOrderIndependent(t *testing.T) {
	a := models.CalendarEvent{Date: "2027-01-01", Label: "a"}
	b := models.CalendarEvent{Date: "2027-02-02", Label: "b"}

	assert.Equal(t,
		EventsHash([]models.CalendarEvent{a, b}),
		EventsHash([]models.CalendarEvent{b, a}))
}

func TestEventsHashSensitivity(t *testing.T) {
	a := models.CalendarEvent{Date: "2027-01-01", Label: "a"}
	changed := models.CalendarEvent{Date: "2027-01-01", Label: "a", Emoji: "🎉"}

	assert.NotEqual(t,
		EventsHash([]models.CalendarEvent{a}),
		EventsHash([]models.CalendarEvent{changed}))
	assert.NotEqual(t, EventsHash(nil), EventsHash([]models.CalendarEvent{a}))
}

func TestFingerprintInputs(t *testing.T) {
	tid := uuid.New()
	base := Fingerprint(tid, 1, "abc", "3", true)

	assert.Equal(t, base, Fingerprint(tid, 1, "abc", "3", true))
	assert.NotEqual(t, base, Fingerprint(tid, 2, "abc", "3", true), "config version")
	assert.NotEqual(t, base, Fingerprint(tid, 1, "xyz", "3", true), "events")
	assert.NotEqual(t, base, Fingerprint(tid, 1, "abc", "4", true), "almanac version")
	assert.NotEqual(t, base, Fingerprint(tid, 1, "abc", "3", false), "watermark tier")
	assert.NotEqual(t, base, Fingerprint(uuid.New(), 1, "abc", "3", true), "template")
	assert.Len(t, base, 20)
}
