package render

import (
	"fmt"
	"math"
	"time"
)

// AlmanacVersion participates in the render fingerprint: bumping it
// invalidates cached PDFs whenever holiday or lunar tables change.
const AlmanacVersion = "3"

// Holiday is a printed date annotation.
type Holiday struct {
	Date  string // YYYY-MM-DD
	Label string
}

// MoonPhase names the quarter phase printed on the grid, or "" for
// days between quarters.
type MoonPhase string

const (
	MoonNew          MoonPhase = "new"
	MoonFirstQuarter MoonPhase = "first_quarter"
	MoonFull         MoonPhase = "full"
	MoonLastQuarter  MoonPhase = "last_quarter"
)

// Almanac supplies holiday and lunar overlays. It must be a pure
// function of its inputs so renders stay deterministic.
type Almanac interface {
	Holidays(year int) []Holiday
	Phase(date time.Time) (MoonPhase, bool)
	Version() string
}

// BuiltinAlmanac is the stock US-holiday and quarter-phase table.
type BuiltinAlmanac struct{}

func (BuiltinAlmanac) Version() string { return AlmanacVersion }

// Holidays returns the printed US holidays for a year, in date order.
func (BuiltinAlmanac) Holidays(year int) []Holiday {
	hs := []Holiday{
		{fmt.Sprintf("%04d-01-01", year), "New Year's Day"},
		{nthWeekday(year, time.January, time.Monday, 3), "MLK Day"},
		{fmt.Sprintf("%04d-02-14", year), "Valentine's Day"},
		{nthWeekday(year, time.February, time.Monday, 3), "Presidents' Day"},
		{lastWeekday(year, time.May, time.Monday), "Memorial Day"},
		{fmt.Sprintf("%04d-06-19", year), "Juneteenth"},
		{fmt.Sprintf("%04d-07-04", year), "Independence Day"},
		{nthWeekday(year, time.September, time.Monday, 1), "Labor Day"},
		{fmt.Sprintf("%04d-10-31", year), "Halloween"},
		{fmt.Sprintf("%04d-11-11", year), "Veterans Day"},
		{nthWeekday(year, time.November, time.Thursday, 4), "Thanksgiving"},
		{fmt.Sprintf("%04d-12-25", year), "Christmas Day"},
	}
	return hs
}

// Phase reports the quarter phase landing on the given day, using mean
// synodic arithmetic from a reference new moon. Accurate to about a
// day, which is what a printed wall calendar needs.
func (BuiltinAlmanac) Phase(date time.Time) (MoonPhase, bool) {
	// 2000-01-06 18:14 UTC, a known new moon.
	epoch := time.Date(2000, time.January, 6, 18, 14, 0, 0, time.UTC)
	const synodic = 29.53058867 // days

	day := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, time.UTC)
	age := day.Sub(epoch).Hours() / 24.0
	cycle := age / synodic
	frac := cycle - math.Floor(cycle)

	// A quarter "lands" on the day whose noon is within half a day of
	// the exact quarter instant.
	half := 0.5 / synodic
	switch {
	case frac < half || frac > 1-half:
		return MoonNew, true
	case math.Abs(frac-0.25) < half:
		return MoonFirstQuarter, true
	case math.Abs(frac-0.5) < half:
		return MoonFull, true
	case math.Abs(frac-0.75) < half:
		return MoonLastQuarter, true
	}
	return "", false
}

func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) string {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	for t.Weekday() != weekday {
		t = t.AddDate(0, 0, 1)
	}
	t = t.AddDate(0, 0, (n-1)*7)
	return t.Format("2006-01-02")
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) string {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	for t.Weekday() != weekday {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}
