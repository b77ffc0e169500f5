package render

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// SVG → PDF transcoding. The input is the constrained dialect our own
// generator emits; anything outside it is a hard error so drift between
// generator and transcoder surfaces immediately instead of printing
// wrong.

// TranscodeError wraps parse or draw failures. Callers treat these as
// transient (the transcoder shares a process with arbitrary handlers)
// unless the same input keeps failing.
type TranscodeError struct {
	Element string
	Err     error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode %s: %v", e.Element, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

type drawState struct {
	opacity float64
	rotate  bool
	rotDeg  float64
	rotX    float64
	rotY    float64
}

// TranscodePDF replays the SVG onto a PDF page of the same point
// dimensions. Output is byte-deterministic: the creation date is pinned
// and everything else derives from the input.
func TranscodePDF(svg []byte) ([]byte, error) {
	root, err := parseRoot(svg)
	if err != nil {
		return nil, err
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: root.width, Ht: root.height},
	})
	pdf.SetCreationDate(time.Unix(0, 0).UTC())
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	dec := xml.NewDecoder(bytes.NewReader(svg))
	stack := []drawState{{opacity: 1}}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &TranscodeError{Element: "document", Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			state := stack[len(stack)-1]
			switch t.Name.Local {
			case "svg":
				// Root already measured.
			case "g":
				child := state
				applyCommon(&child, t.Attr)
				stack = append(stack, child)
				continue
			case "rect":
				if err := drawRect(pdf, state, t.Attr); err != nil {
					return nil, err
				}
			case "line":
				if err := drawLine(pdf, state, t.Attr); err != nil {
					return nil, err
				}
			case "circle":
				if err := drawCircle(pdf, state, t.Attr); err != nil {
					return nil, err
				}
			case "text":
				content, err := collectText(dec)
				if err != nil {
					return nil, err
				}
				if err := drawText(pdf, tr, state, t.Attr, content); err != nil {
					return nil, err
				}
				continue // collectText consumed the end element
			default:
				return nil, &TranscodeError{Element: t.Name.Local, Err: fmt.Errorf("unsupported element")}
			}
			// Self-closing elements still produce an EndElement token;
			// nothing to push for them.
		case xml.EndElement:
			if t.Name.Local == "g" && len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, &TranscodeError{Element: "output", Err: err}
	}
	return out.Bytes(), nil
}

type rootDims struct {
	width  float64
	height float64
}

func parseRoot(svg []byte) (*rootDims, error) {
	dec := xml.NewDecoder(bytes.NewReader(svg))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, &TranscodeError{Element: "svg", Err: fmt.Errorf("missing root: %w", err)}
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "svg" {
				return nil, &TranscodeError{Element: start.Name.Local, Err: fmt.Errorf("unexpected root element")}
			}
			attrs := attrMap(start.Attr)
			w, werr := strconv.ParseFloat(attrs["width"], 64)
			h, herr := strconv.ParseFloat(attrs["height"], 64)
			if werr != nil || herr != nil || w <= 0 || h <= 0 {
				return nil, &TranscodeError{Element: "svg", Err: fmt.Errorf("invalid dimensions %q x %q", attrs["width"], attrs["height"])}
			}
			return &rootDims{width: w, height: h}, nil
		}
	}
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func applyCommon(state *drawState, attrs []xml.Attr) {
	m := attrMap(attrs)
	if o, ok := m["opacity"]; ok {
		if f, err := strconv.ParseFloat(o, 64); err == nil {
			state.opacity *= f
		}
	}
	if t, ok := m["transform"]; ok {
		if deg, x, y, ok := parseRotate(t); ok {
			state.rotate = true
			state.rotDeg = deg
			state.rotX = x
			state.rotY = y
		}
	}
}

// parseRotate understands "rotate(deg x y)", the only transform the
// generator emits.
func parseRotate(s string) (deg, x, y float64, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "rotate(") || !strings.HasSuffix(s, ")") {
		return 0, 0, 0, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "rotate("), ")")
	fields := strings.Fields(strings.ReplaceAll(inner, ",", " "))
	if len(fields) != 3 {
		return 0, 0, 0, false
	}
	vals := make([]float64, 3)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], true
}

func floatAttr(m map[string]string, name string) (float64, error) {
	v, ok := m[name]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return f, nil
}

func floatAttrDefault(m map[string]string, name string, def float64) float64 {
	if v, ok := m[name]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// parseColor handles #rrggbb.
func parseColor(s string) (r, g, b int, err error) {
	s = strings.TrimSpace(s)
	if len(s) != 7 || s[0] != '#' {
		return 0, 0, 0, fmt.Errorf("unsupported color %q", s)
	}
	rv, err1 := strconv.ParseUint(s[1:3], 16, 8)
	gv, err2 := strconv.ParseUint(s[3:5], 16, 8)
	bv, err3 := strconv.ParseUint(s[5:7], 16, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, fmt.Errorf("unsupported color %q", s)
	}
	return int(rv), int(gv), int(bv), nil
}

func withAlpha(pdf *gofpdf.Fpdf, opacity float64, draw func()) {
	if opacity < 1 {
		pdf.SetAlpha(opacity, "Normal")
		draw()
		pdf.SetAlpha(1, "Normal")
		return
	}
	draw()
}

func drawRect(pdf *gofpdf.Fpdf, state drawState, attrs []xml.Attr) error {
	m := attrMap(attrs)
	x, err := floatAttr(m, "x")
	if err != nil {
		return &TranscodeError{Element: "rect", Err: err}
	}
	y, err := floatAttr(m, "y")
	if err != nil {
		return &TranscodeError{Element: "rect", Err: err}
	}
	w, err := floatAttr(m, "width")
	if err != nil {
		return &TranscodeError{Element: "rect", Err: err}
	}
	h, err := floatAttr(m, "height")
	if err != nil {
		return &TranscodeError{Element: "rect", Err: err}
	}

	opacity := state.opacity * floatAttrDefault(m, "opacity", 1)
	styleStr := ""

	if fill, ok := m["fill"]; ok && fill != "none" {
		r, g, b, err := parseColor(fill)
		if err != nil {
			return &TranscodeError{Element: "rect", Err: err}
		}
		pdf.SetFillColor(r, g, b)
		styleStr += "F"
	}
	if stroke, ok := m["stroke"]; ok && stroke != "none" {
		r, g, b, err := parseColor(stroke)
		if err != nil {
			return &TranscodeError{Element: "rect", Err: err}
		}
		pdf.SetDrawColor(r, g, b)
		pdf.SetLineWidth(floatAttrDefault(m, "stroke-width", 1))
		styleStr += "D"
	}
	if styleStr == "" {
		return nil
	}

	withAlpha(pdf, opacity, func() {
		pdf.Rect(x, y, w, h, styleStr)
	})
	return nil
}

func drawLine(pdf *gofpdf.Fpdf, state drawState, attrs []xml.Attr) error {
	m := attrMap(attrs)
	x1, err := floatAttr(m, "x1")
	if err != nil {
		return &TranscodeError{Element: "line", Err: err}
	}
	y1, err := floatAttr(m, "y1")
	if err != nil {
		return &TranscodeError{Element: "line", Err: err}
	}
	x2, err := floatAttr(m, "x2")
	if err != nil {
		return &TranscodeError{Element: "line", Err: err}
	}
	y2, err := floatAttr(m, "y2")
	if err != nil {
		return &TranscodeError{Element: "line", Err: err}
	}

	stroke := m["stroke"]
	if stroke == "" || stroke == "none" {
		return nil
	}
	r, g, b, err := parseColor(stroke)
	if err != nil {
		return &TranscodeError{Element: "line", Err: err}
	}
	pdf.SetDrawColor(r, g, b)
	pdf.SetLineWidth(floatAttrDefault(m, "stroke-width", 1))

	opacity := state.opacity * floatAttrDefault(m, "opacity", 1)
	withAlpha(pdf, opacity, func() {
		pdf.Line(x1, y1, x2, y2)
	})
	return nil
}

func drawCircle(pdf *gofpdf.Fpdf, state drawState, attrs []xml.Attr) error {
	m := attrMap(attrs)
	cx, err := floatAttr(m, "cx")
	if err != nil {
		return &TranscodeError{Element: "circle", Err: err}
	}
	cy, err := floatAttr(m, "cy")
	if err != nil {
		return &TranscodeError{Element: "circle", Err: err}
	}
	radius, err := floatAttr(m, "r")
	if err != nil {
		return &TranscodeError{Element: "circle", Err: err}
	}

	styleStr := ""
	if fill, ok := m["fill"]; ok && fill != "none" {
		r, g, b, err := parseColor(fill)
		if err != nil {
			return &TranscodeError{Element: "circle", Err: err}
		}
		pdf.SetFillColor(r, g, b)
		styleStr += "F"
	}
	if stroke, ok := m["stroke"]; ok && stroke != "none" {
		r, g, b, err := parseColor(stroke)
		if err != nil {
			return &TranscodeError{Element: "circle", Err: err}
		}
		pdf.SetDrawColor(r, g, b)
		pdf.SetLineWidth(floatAttrDefault(m, "stroke-width", 1))
		styleStr += "D"
	}
	if styleStr == "" {
		return nil
	}

	opacity := state.opacity * floatAttrDefault(m, "opacity", 1)
	withAlpha(pdf, opacity, func() {
		pdf.Circle(cx, cy, radius, styleStr)
	})
	return nil
}

func drawText(pdf *gofpdf.Fpdf, tr func(string) string, state drawState, attrs []xml.Attr, content string) error {
	m := attrMap(attrs)
	x, err := floatAttr(m, "x")
	if err != nil {
		return &TranscodeError{Element: "text", Err: err}
	}
	y, err := floatAttr(m, "y")
	if err != nil {
		return &TranscodeError{Element: "text", Err: err}
	}
	size, err := floatAttr(m, "font-size")
	if err != nil {
		return &TranscodeError{Element: "text", Err: err}
	}

	fill := m["fill"]
	if fill == "" {
		fill = "#000000"
	}
	r, g, b, err := parseColor(fill)
	if err != nil {
		return &TranscodeError{Element: "text", Err: err}
	}

	local := state
	applyCommon(&local, attrs)

	pdf.SetFont("Helvetica", "", size)
	pdf.SetTextColor(r, g, b)

	text := tr(content)
	switch m["text-anchor"] {
	case "middle":
		x -= pdf.GetStringWidth(text) / 2
	case "end":
		x -= pdf.GetStringWidth(text)
	}

	draw := func() {
		withAlpha(pdf, local.opacity, func() {
			pdf.Text(x, y, text)
		})
	}

	if local.rotate {
		pdf.TransformBegin()
		// SVG rotation is clockwise-positive; the PDF transform is
		// counterclockwise-positive.
		pdf.TransformRotate(-local.rotDeg, local.rotX, local.rotY)
		draw()
		pdf.TransformEnd()
		return nil
	}
	draw()
	return nil
}

// collectText reads character data up to the element's end tag.
func collectText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", &TranscodeError{Element: "text", Err: err}
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			return b.String(), nil
		case xml.StartElement:
			return "", &TranscodeError{Element: "text", Err: fmt.Errorf("nested element %q", t.Name.Local)}
		}
	}
}
