package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/aura/internal/httputil"
	"github.com/banshee-data/aura/internal/monitoring"
)

// attachDebugRoutes mounts the scene inspector and the echarts pages under
// /debug/. tsweb restricts /debug/ to loopback and tailnet clients.
func (s *Server) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("scene", "current scene snapshot", func(w http.ResponseWriter, r *http.Request) {
		sc, ok := s.coord.Store().Get()
		if !ok {
			httputil.WriteStatus(w, StatusNoData)
			return
		}
		httputil.WriteJSONOK(w, sc)
	})
	debug.HandleFunc("charts/latency", "detector latency chart", s.handleLatencyChart)
	debug.HandleFunc("charts/distance", "LiDAR distance chart", s.handleDistanceChart)
}

// handleLatencyChart plots recent detector round trips in milliseconds.
func (s *Server) handleLatencyChart(w http.ResponseWriter, r *http.Request) {
	samples := s.coord.LatencySamples()
	sum := s.coord.Stats().DetectLatency
	subtitle := fmt.Sprintf("n=%d p50=%.0fms p95=%.0fms max=%.0fms",
		sum.Count, sum.P50*1000, sum.P95*1000, sum.Max*1000)
	renderLineChart(w, "Detector latency", subtitle, "ms", samples, 1000)
}

// handleDistanceChart plots recent accepted range readings in meters.
func (s *Server) handleDistanceChart(w http.ResponseWriter, r *http.Request) {
	samples := s.coord.DistanceSamples()
	renderLineChart(w, "LiDAR distance", fmt.Sprintf("n=%d", len(samples)), "m", samples, 1)
}

func renderLineChart(w http.ResponseWriter, title, subtitle, unit string, samples []monitoring.Sample, scale float64) {
	if len(samples) == 0 {
		httputil.NotFound(w, "no samples yet")
		return
	}

	x := make([]string, len(samples))
	y := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		x[i] = smp.At.Format(time.TimeOnly)
		y[i] = opts.LineData{Value: smp.Value * scale}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Theme: "dark", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x).AddSeries(title, y)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
