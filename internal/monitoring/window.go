package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindowSize is used when NewSampleWindow is given a non-positive size.
const DefaultWindowSize = 256

// Sample is one timestamped observation.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Summary describes the samples currently held by a SampleWindow.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

// SampleWindow keeps the most recent observations in a ring buffer. It backs
// the detector latency and distance statistics and debug charts.
type SampleWindow struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// NewSampleWindow creates a window holding at most size samples.
func NewSampleWindow(size int) *SampleWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &SampleWindow{samples: make([]Sample, size)}
}

// Add records a sample, evicting the oldest when the window is full.
func (w *SampleWindow) Add(at time.Time, v float64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = Sample{At: at, Value: v}
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// Samples returns the held samples, oldest first.
func (w *SampleWindow) Samples() []Sample {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return append([]Sample(nil), w.samples[:w.next]...)
	}
	out := make([]Sample, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	return append(out, w.samples[:w.next]...)
}

// Summary computes mean, median, 95th percentile and maximum.
func (w *SampleWindow) Summary() Summary {
	samples := w.Samples()
	if len(samples) == 0 {
		return Summary{}
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)
	return Summary{
		Count: len(values),
		Mean:  stat.Mean(values, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, values, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, values, nil),
		Max:   floats.Max(values),
	}
}
