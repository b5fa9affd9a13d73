package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/calibration.collector/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleSkewChart renders the max inter-sensor delta of recent attempts
// against the acceptance threshold. Takes the same query parameters as
// /api/attempts.
func (s *Server) handleSkewChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	records, ok := s.attempts(w, r)
	if !ok {
		return
	}

	threshold := float64(s.opts.MaxDurationBetweenMsgs) / float64(time.Millisecond)
	var (
		x     []string
		delta []opts.LineData
		limit []opts.LineData
	)
	// Records come newest first.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.MaxDeltaSeconds == nil {
			continue
		}
		at := time.Unix(0, int64(rec.AttemptedUnix*1e9)).UTC()
		x = append(x, at.Format("15:04:05.000"))
		delta = append(delta, opts.LineData{Value: *rec.MaxDeltaSeconds * 1000, Name: rec.Outcome.String()})
		limit = append(limit, opts.LineData{Value: threshold})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Capture skew", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Max inter-sensor delta", Subtitle: fmt.Sprintf("%d attempts, threshold %.1f ms", len(delta), threshold)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "attempt (UTC)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "delta (ms)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("max delta", delta).
		AddSeries("threshold", limit)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
