package render

import (
	"fmt"
	"strings"
	"time"
)

// SVG generation. The output is a constrained dialect (rect, line,
// circle, text, g) that the PDF transcoder replays, so everything here
// must be deterministic: fixed number formatting, stable iteration
// order, no clocks.

const (
	fontFamily = "Helvetica"

	weekendShadeOpacity = "0.08"
)

// GenerateSVG renders the layout. Byte-identical output for identical
// layouts is part of the contract; the fingerprint key depends on it.
func GenerateSVG(l *Layout) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s">`,
		num(l.Width), num(l.Height), num(l.Width), num(l.Height))
	b.WriteString("\n")

	// Background
	fmt.Fprintf(&b, `<rect x="0" y="0" width="%s" height="%s" fill="%s"/>`,
		num(l.Width), num(l.Height), l.Theme.Background)
	b.WriteString("\n")

	writeTitle(&b, l)
	writeGrid(&b, l)

	b.WriteString("</svg>\n")
	return []byte(b.String())
}

func writeTitle(b *strings.Builder, l *Layout) {
	title := l.Title
	if title == "" {
		title = fmt.Sprintf("%d", l.Year)
	}
	fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" text-anchor="middle">%s</text>`,
		num(l.Width/2), num(l.MarginY+l.TitleHeight*0.7), fontFamily,
		num(l.TitleHeight*0.6), l.Theme.MonthLabel, escape(title))
	b.WriteString("\n")
}

func writeGrid(b *strings.Builder, l *Layout) {
	gridX := l.MarginX + l.LabelWidth
	gridY := l.MarginY + l.TitleHeight

	for row, month := range l.Months() {
		y := gridY + float64(row)*l.CellH
		writeMonthRow(b, l, month, gridX, y)
	}

	// Outer frame
	fmt.Fprintf(b, `<rect x="%s" y="%s" width="%s" height="%s" fill="none" stroke="%s" stroke-width="1.50"/>`,
		num(gridX), num(gridY), num(l.CellW*maxDayColumns), num(l.CellH*float64(l.MonthCount)), l.Theme.GridLine)
	b.WriteString("\n")
}

func writeMonthRow(b *strings.Builder, l *Layout, month time.Time, gridX, y float64) {
	// Month label in the gutter
	fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" text-anchor="start">%s</text>`,
		num(l.MarginX), num(y+l.CellH*0.6), fontFamily,
		num(l.CellH*0.28), l.Theme.MonthLabel, month.Format("January"))
	b.WriteString("\n")

	days := daysIn(month.Year(), month.Month())
	for d := 1; d <= days; d++ {
		x := gridX + float64(d-1)*l.CellW
		day := time.Date(month.Year(), month.Month(), d, 0, 0, 0, 0, time.UTC)
		writeDayCell(b, l, day, x, y)
	}

	// Dead cells past the month's end
	for d := days + 1; d <= maxDayColumns; d++ {
		x := gridX + float64(d-1)*l.CellW
		fmt.Fprintf(b, `<rect x="%s" y="%s" width="%s" height="%s" fill="%s" opacity="0.30"/>`,
			num(x), num(y), num(l.CellW), num(l.CellH), l.Theme.GridLine)
		b.WriteString("\n")
	}
}

func writeDayCell(b *strings.Builder, l *Layout, day time.Time, x, y float64) {
	key := day.Format("2006-01-02")

	// Weekend shading sits under the cell border
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		fmt.Fprintf(b, `<rect x="%s" y="%s" width="%s" height="%s" fill="%s" opacity="%s"/>`,
			num(x), num(y), num(l.CellW), num(l.CellH), l.Theme.GridLine, weekendShadeOpacity)
		b.WriteString("\n")
	}

	fmt.Fprintf(b, `<rect x="%s" y="%s" width="%s" height="%s" fill="none" stroke="%s" stroke-width="0.75"/>`,
		num(x), num(y), num(l.CellW), num(l.CellH), l.Theme.GridLine)
	b.WriteString("\n")

	// Day number + weekday initial
	fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" text-anchor="start">%d</text>`,
		num(x+l.CellW*0.08), num(y+l.CellH*0.30), fontFamily,
		num(l.CellH*0.22), l.Theme.DayNumber, day.Day())
	b.WriteString("\n")
	fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" text-anchor="end" opacity="0.60">%s</text>`,
		num(x+l.CellW*0.92), num(y+l.CellH*0.30), fontFamily,
		num(l.CellH*0.15), l.Theme.DayNumber, day.Format("Mon")[:1])
	b.WriteString("\n")

	anns := l.Annotations[key]
	line := 0
	for _, ann := range anns {
		switch ann.Kind {
		case AnnotationMoon:
			writeMoonMark(b, l, ann.Label, x, y)
		default:
			color := l.Theme.DayNumber
			if ann.Kind == AnnotationHoliday {
				color = l.Theme.Accent
			}
			fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" text-anchor="start">%s</text>`,
				num(x+l.CellW*0.08), num(y+l.CellH*(0.52+0.18*float64(line))), fontFamily,
				num(l.CellH*0.13), color, escape(clip(ann.Label, 18)))
			b.WriteString("\n")
			line++
			if line >= 2 {
				return
			}
		}
	}
}

// writeMoonMark draws the quarter-phase glyph as circles so the
// transcoder never depends on symbol fonts.
func writeMoonMark(b *strings.Builder, l *Layout, phase string, x, y float64) {
	cx := x + l.CellW*0.85
	cy := y + l.CellH*0.82
	r := l.CellH * 0.07

	switch MoonPhase(phase) {
	case MoonNew:
		fmt.Fprintf(b, `<circle cx="%s" cy="%s" r="%s" fill="%s"/>`, num(cx), num(cy), num(r), l.Theme.DayNumber)
	case MoonFull:
		fmt.Fprintf(b, `<circle cx="%s" cy="%s" r="%s" fill="none" stroke="%s" stroke-width="0.75"/>`, num(cx), num(cy), num(r), l.Theme.DayNumber)
	case MoonFirstQuarter, MoonLastQuarter:
		fmt.Fprintf(b, `<circle cx="%s" cy="%s" r="%s" fill="none" stroke="%s" stroke-width="0.75"/>`, num(cx), num(cy), num(r), l.Theme.DayNumber)
		b.WriteString("\n")
		fmt.Fprintf(b, `<circle cx="%s" cy="%s" r="%s" fill="%s"/>`, num(cx), num(cy), num(r/2), l.Theme.DayNumber)
	}
	b.WriteString("\n")
}

// num formats coordinates with two fixed decimals; %g would vary
// representation across values and break byte-determinism.
func num(f float64) string {
	return fmt.Sprintf("%.2f", f)
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
