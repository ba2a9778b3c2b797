// Package camera periodically submits frames from a networked camera, such
// as an ESP32-CAM, to the ingest coordinator.
package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/monitoring"
	"github.com/banshee-data/aura/internal/security"
	"github.com/banshee-data/aura/internal/timeutil"
)

var logf = monitoring.Component("camera")

// capturePath is the ESP32-CAM still-image endpoint.
const capturePath = "/capture"

// FrameSink accepts frame events. *ingest.Coordinator implements it.
type FrameSink interface {
	HandleFrame(ctx context.Context, fe ingest.FrameEvent) (ingest.Outcome, error)
}

// CaptureURL turns a camera address into a capture URL. A bare host or
// host:port gets "http://" and the /capture path; a full URL is used as is.
func CaptureURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("camera address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + strings.TrimRight(addr, "/") + capturePath
	}
	if _, err := security.ValidateRemoteURL(addr); err != nil {
		return "", fmt.Errorf("camera address %q: %w", addr, err)
	}
	return addr, nil
}

// PollerStats counts capture attempts by result.
type PollerStats struct {
	Attempts  uint64    `json:"attempts"`
	Committed uint64    `json:"committed"`
	Stale     uint64    `json:"superseded"`
	Failed    uint64    `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at"`
}

// Poller submits one frame event per interval. Captures never overlap: a
// tick that comes due while a capture is still running is dropped, so a slow
// capture is followed by a full interval rather than an immediate retry.
type Poller struct {
	url      string
	interval time.Duration
	sink     FrameSink
	clock    timeutil.Clock

	mu    sync.Mutex
	stats PollerStats
}

// NewPoller validates addr (see CaptureURL) and returns a poller. A nil
// clock uses the wall clock.
func NewPoller(addr string, interval time.Duration, sink FrameSink, clock timeutil.Clock) (*Poller, error) {
	url, err := CaptureURL(addr)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("camera interval must be positive, got %v", interval)
	}
	if sink == nil {
		return nil, errors.New("camera poller needs a frame sink")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Poller{url: url, interval: interval, sink: sink, clock: clock}, nil
}

// URL returns the capture URL being polled.
func (p *Poller) URL() string { return p.url }

// Run captures on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	logf("polling %s every %v", p.url, p.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p.Capture(ctx)
			// Discard a tick that came due while the capture ran.
			select {
			case <-ticker.C():
			default:
			}
		}
	}
}

// Capture submits one frame event and records the outcome.
func (p *Poller) Capture(ctx context.Context) ingest.Outcome {
	out, err := p.sink.HandleFrame(ctx, ingest.FrameEvent{ImageRef: p.url})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Attempts++
	p.stats.LastAt = p.clock.Now()
	switch {
	case err != nil:
		p.stats.Failed++
		p.stats.LastError = err.Error()
		logf("capture from %s failed: %v", p.url, err)
	case out.State == ingest.StateSuperseded:
		p.stats.Stale++
	default:
		p.stats.Committed++
		p.stats.LastError = ""
	}
	return out
}

// Stats returns a snapshot of the counters.
func (p *Poller) Stats() PollerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
