package render

import (
	"sort"
	"time"

	"villagecal/pkg/models"
)

// Layout is the resolved geometry of a calendar render: one row per
// month, one column per day of month. All units are points.
type Layout struct {
	Width  float64
	Height float64

	MarginX     float64
	MarginY     float64
	TitleHeight float64
	LabelWidth  float64 // month-name gutter
	CellW       float64
	CellH       float64

	Year       int
	StartMonth time.Month
	MonthCount int
	Title      string
	Theme      Theme

	ShowHolidays  bool
	ShowMoonPhase bool

	// Day annotations keyed by YYYY-MM-DD, already merged and sorted.
	Annotations map[string][]Annotation
}

type AnnotationKind int

const (
	AnnotationEvent AnnotationKind = iota
	AnnotationHoliday
	AnnotationMoon
)

type Annotation struct {
	Kind  AnnotationKind
	Label string
}

// Theme is the small palette the generator and transcoder agree on.
type Theme struct {
	Name       string
	Background string
	GridLine   string
	DayNumber  string
	MonthLabel string
	Accent     string
}

var themes = map[string]Theme{
	"classic": {
		Name:       "classic",
		Background: "#ffffff",
		GridLine:   "#9aa1a9",
		DayNumber:  "#1c1c1c",
		MonthLabel: "#1c1c1c",
		Accent:     "#b23a48",
	},
	"midnight": {
		Name:       "midnight",
		Background: "#10141a",
		GridLine:   "#3c4654",
		DayNumber:  "#e8eaed",
		MonthLabel: "#e8eaed",
		Accent:     "#7aa2f7",
	},
	"meadow": {
		Name:       "meadow",
		Background: "#fbfaf4",
		GridLine:   "#a3b18a",
		DayNumber:  "#344e41",
		MonthLabel: "#344e41",
		Accent:     "#bc6c25",
	},
}

// ThemeByName falls back to classic for unknown names so stale configs
// still render.
func ThemeByName(name string) Theme {
	if t, ok := themes[name]; ok {
		return t
	}
	return themes["classic"]
}

const maxDayColumns = 31

// BuildLayout resolves a calendar, its template print spec, its events,
// and the almanac into renderable geometry. Events are merged in a
// stable order so identical inputs always produce an identical layout.
func BuildLayout(cal *models.Calendar, spec models.TemplatePrintSpec, events []models.CalendarEvent, almanac Almanac) *Layout {
	cfg := cal.Config

	year := cfg.Year
	if year == 0 {
		year = time.Now().UTC().Year() + 1
	}
	startMonth := time.Month(cfg.StartMonth)
	if cfg.StartMonth < 1 || cfg.StartMonth > 12 {
		startMonth = time.January
	}
	monthCount := cfg.MonthCount
	if monthCount < 1 || monthCount > 24 {
		monthCount = 12
	}

	if spec.WidthInches <= 0 || spec.HeightInches <= 0 {
		spec = models.DefaultPrintSpec()
	}

	l := &Layout{
		Width:         spec.WidthInches * 72,
		Height:        spec.HeightInches * 72,
		Year:          year,
		StartMonth:    startMonth,
		MonthCount:    monthCount,
		Title:         cfg.Title,
		Theme:         ThemeByName(cfg.Theme),
		ShowHolidays:  cfg.ShowHolidays,
		ShowMoonPhase: cfg.ShowMoonPhase,
		Annotations:   make(map[string][]Annotation),
	}

	l.MarginX = l.Width * 0.02
	l.MarginY = l.Height * 0.02
	l.TitleHeight = l.Height * 0.08
	l.LabelWidth = l.Width * 0.06

	gridW := l.Width - 2*l.MarginX - l.LabelWidth
	gridH := l.Height - 2*l.MarginY - l.TitleHeight
	l.CellW = gridW / maxDayColumns
	l.CellH = gridH / float64(monthCount)

	// Stable merge order: events sorted by (date, label), then
	// holidays, then moon phases.
	sorted := make([]models.CalendarEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date < sorted[j].Date
		}
		return sorted[i].Label < sorted[j].Label
	})
	for _, ev := range sorted {
		label := ev.Label
		if ev.Emoji != "" {
			label = ev.Emoji + " " + label
		}
		l.Annotations[ev.Date] = append(l.Annotations[ev.Date], Annotation{Kind: AnnotationEvent, Label: label})
	}

	if l.ShowHolidays && almanac != nil {
		for y := year; y <= l.endYear(); y++ {
			for _, h := range almanac.Holidays(y) {
				if l.containsDate(h.Date) {
					l.Annotations[h.Date] = append(l.Annotations[h.Date], Annotation{Kind: AnnotationHoliday, Label: h.Label})
				}
			}
		}
	}

	if l.ShowMoonPhase && almanac != nil {
		l.eachDay(func(day time.Time) {
			if phase, ok := almanac.Phase(day); ok {
				key := day.Format("2006-01-02")
				l.Annotations[key] = append(l.Annotations[key], Annotation{Kind: AnnotationMoon, Label: string(phase)})
			}
		})
	}

	return l
}

// Months yields the (year, month) sequence of the layout's rows.
func (l *Layout) Months() []time.Time {
	months := make([]time.Time, 0, l.MonthCount)
	cur := time.Date(l.Year, l.StartMonth, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < l.MonthCount; i++ {
		months = append(months, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

func (l *Layout) endYear() int {
	months := l.Months()
	return months[len(months)-1].Year()
}

func (l *Layout) containsDate(date string) bool {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	for _, m := range l.Months() {
		if m.Year() == t.Year() && m.Month() == t.Month() {
			return true
		}
	}
	return false
}

func (l *Layout) eachDay(fn func(day time.Time)) {
	for _, m := range l.Months() {
		days := daysIn(m.Year(), m.Month())
		for d := 1; d <= days; d++ {
			fn(time.Date(m.Year(), m.Month(), d, 0, 0, 0, 0, time.UTC))
		}
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
