package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/power.report/internal/db"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// readingsChart renders voltage, current and power over the requested
// window as HTML line charts.
func (s *Server) readingsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Reading history is not recorded")
		return
	}
	since, err := s.parseSince(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := s.db.ReadingsSince(since)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve readings: %v", err))
		return
	}

	x := make([]string, len(readings))
	for i, sr := range readings {
		x[i] = sr.RecordedAt.Local().Format("15:04:05")
	}
	subtitle := fmt.Sprintf("since %s, %d readings", since.Local().Format(time.RFC3339), len(readings))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.SetPageTitle("Power readings")
	page.AddCharts(
		quantityLine("Voltage", "V", subtitle, x, readings, func(sr db.StoredReading) float64 { return sr.Reading.Voltage }),
		quantityLine("Current", "A", subtitle, x, readings, func(sr db.StoredReading) float64 { return sr.Reading.Current }),
		quantityLine("Power", "W", subtitle, x, readings, func(sr db.StoredReading) float64 { return sr.Reading.Power }),
	)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func quantityLine(title, unit, subtitle string, x []string, readings []db.StoredReading, value func(db.StoredReading) float64) *charts.Line {
	data := make([]opts.LineData, len(readings))
	for i, sr := range readings {
		data[i] = opts.LineData{Value: value(sr)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit, Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x).
		AddSeries(title, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}
