package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"villagecal/pkg/models"
)

func renderTestPDF(t *testing.T, watermark bool) []byte {
	t.Helper()
	cal := testCalendar()
	l := BuildLayout(cal, models.DefaultPrintSpec(), cal.Events, BuiltinAlmanac{})
	svg := ApplyWatermark(GenerateSVG(l), l, watermark)

	pdf, err := TranscodePDF(svg)
	require.NoError(t, err)
	return pdf
}

func TestTranscodePDFProducesDocument(t *testing.T) {
	pdf := renderTestPDF(t, true)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
	assert.Greater(t, len(pdf), 5*1024, "a full year grid is not a tiny document")
}

func TestTranscodePDFDeterministic(t *testing.T) {
	a := renderTestPDF(t, true)
	b := renderTestPDF(t, true)
	require.Equal(t, a, b, "rendering the same calendar twice must be byte-identical")
}

func TestTranscodePDFWatermarkChangesOutput(t *testing.T) {
	free := renderTestPDF(t, true)
	paid := renderTestPDF(t, false)
	assert.NotEqual(t, free, paid)
}

func TestTranscodeRejectsUnknownElement(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="100" height="100"><polygon points="0,0 1,1"/></svg>`)
	_, err := TranscodePDF(svg)
	require.Error(t, err)

	var terr *TranscodeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "polygon", terr.Element)
}

func TestTranscodeRejectsBadRoot(t *testing.T) {
	_, err := TranscodePDF([]byte(`<svg xmlns="http://www.w3.org/2000/svg" width="0" height="0"></svg>`))
	assert.Error(t, err)

	_, err = TranscodePDF([]byte(`<div>not svg</div>`))
	assert.Error(t, err)
}

func TestParseRotate(t *testing.T) {
	deg, x, y, ok := parseRotate("rotate(-30 10.50 20.00)")
	require.True(t, ok)
	assert.Equal(t, -30.0, deg)
	assert.Equal(t, 10.5, x)
	assert.Equal(t, 20.0, y)

	_, _, _, ok = parseRotate("scale(2)")
	assert.False(t, ok)
}

func TestParseColor(t *testing.T) {
	r, g, b, err := parseColor("#b23a48")
	require.NoError(t, err)
	assert.Equal(t, []int{178, 58, 72}, []int{r, g, b})

	_, _, _, err = parseColor("red")
	assert.Error(t, err)
}
