package render

import (
	"fmt"
	"strings"
)

const (
	watermarkText    = "PREVIEW · villagecalendar.com"
	watermarkOpacity = "0.14"
	footerText       = "villagecalendar.com"
)

// ApplyWatermark composites the tier overlay into the SVG itself so it
// survives transcoding. Free tier gets a tiled diagonal overlay; paid
// tier gets a small footer credit instead.
func ApplyWatermark(svg []byte, l *Layout, watermark bool) []byte {
	doc := string(svg)
	idx := strings.LastIndex(doc, "</svg>")
	if idx < 0 {
		return svg
	}

	var b strings.Builder
	b.WriteString(doc[:idx])
	if watermark {
		writeOverlay(&b, l)
	} else {
		writeFooter(&b, l)
	}
	b.WriteString(doc[idx:])
	return []byte(b.String())
}

// writeOverlay tiles rotated preview text across the whole sheet.
func writeOverlay(b *strings.Builder, l *Layout) {
	fmt.Fprintf(b, `<g opacity="%s">`, watermarkOpacity)
	b.WriteString("\n")

	size := l.Height * 0.035
	stepX := l.Width / 4
	stepY := l.Height / 6
	for row := 0; row < 7; row++ {
		for col := 0; col < 5; col++ {
			x := float64(col)*stepX + stepX/2
			y := float64(row)*stepY + stepY/2
			fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="#808080" text-anchor="middle" transform="rotate(-30 %s %s)">%s</text>`,
				num(x), num(y), fontFamily, num(size), num(x), num(y), escape(watermarkText))
			b.WriteString("\n")
		}
	}

	b.WriteString("</g>\n")
}

func writeFooter(b *strings.Builder, l *Layout) {
	fmt.Fprintf(b, `<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" text-anchor="end" opacity="0.50">%s</text>`,
		num(l.Width-l.MarginX), num(l.Height-l.MarginY*0.4), fontFamily,
		num(l.MarginY*0.5), l.Theme.DayNumber, escape(footerText))
	b.WriteString("\n")
}
