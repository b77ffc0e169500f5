package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"villagecal/pkg/models"
)

// Fingerprint identifies a render by its inputs: template, config
// version, event content, almanac version, and tier overlay. Object
// keys carry it, so identical inputs reuse the uploaded PDF.
func Fingerprint(templateID uuid.UUID, configVersion int64, eventsHash string, almanacVersion string, watermark bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%t", templateID, configVersion, eventsHash, almanacVersion, watermark)
	return hex.EncodeToString(h.Sum(nil))[:20]
}

// EventsHash digests event content order-independently: events are
// sorted before hashing so row order in the DB cannot change the key.
func EventsHash(events []models.CalendarEvent) string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, ev.Date+"\x00"+ev.Label+"\x00"+ev.Emoji)
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:20]
}
