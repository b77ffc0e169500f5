package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"villagecal/pkg/models"
)

// analyticsChart handles GET /api/v1/admin/analytics/chart
// Renders the recent daily rollups as a PNG line chart: revenue on the
// left axis, orders on the right.
func (s *Server) analyticsChart(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 && n <= 365 {
			days = n
		}
	}

	var rollups []models.AnalyticsRollup
	err := s.db.WithContext(c.Request.Context()).
		Order("day desc").
		Limit(days).
		Find(&rollups).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load rollups"})
		return
	}
	if len(rollups) < 2 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not enough rollup data to chart"})
		return
	}

	// Rows came newest-first; the chart wants time ascending.
	xValues := make([]time.Time, len(rollups))
	revenueY := make([]float64, len(rollups))
	ordersY := make([]float64, len(rollups))
	for i, r := range rollups {
		idx := len(rollups) - 1 - i
		day, err := time.Parse("2006-01-02", r.Day)
		if err != nil {
			continue
		}
		xValues[idx] = day
		revenueY[idx] = float64(r.RevenueCents) / 100
		ordersY[idx] = float64(r.Orders)
	}

	graph := chart.Chart{
		Title:  "Daily revenue and orders",
		Width:  900,
		Height: 400,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 10},
		},
		XAxis: chart.XAxis{
			TickPosition: chart.TickPositionBetweenTicks,
			ValueFormatter: func(v interface{}) string {
				if t, ok := v.(float64); ok {
					return chart.TimeFromFloat64(t).Format("02 Jan")
				}
				return ""
			},
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("$%.0f", f)
				}
				return ""
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name: "Revenue",
				Style: chart.Style{
					StrokeColor: drawing.ColorFromHex("2563eb"),
					StrokeWidth: 2.5,
				},
				XValues: xValues,
				YValues: revenueY,
			},
			chart.TimeSeries{
				Name: "Orders",
				YAxis: chart.YAxisSecondary,
				Style: chart.Style{
					StrokeColor: drawing.ColorFromHex("b23a48"),
					StrokeWidth: 1.5,
				},
				XValues: xValues,
				YValues: ordersY,
			},
		},
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chart render failed"})
		return
	}

	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
