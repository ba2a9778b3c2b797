package serialmux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/monitoring"
)

var logf = monitoring.Component("serial")

// SourceSerial tags readings that arrived over the serial port.
const SourceSerial = "serial"

// DistanceSink receives parsed range readings. *ingest.Coordinator
// implements it.
type DistanceSink interface {
	HandleDistance(ctx context.Context, de ingest.DistanceEvent) (ingest.Outcome, error)
}

// DeviceState holds the latest status values reported by the rangefinder
// (JSON lines without a distance), for inspection on the debug pages.
type DeviceState struct {
	mu     sync.Mutex
	values map[string]any
}

func (s *DeviceState) merge(payload string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

// Snapshot returns a copy of the reported values.
func (s *DeviceState) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// LineHandler routes rangefinder lines to the coordinator.
type LineHandler struct {
	Sink    DistanceSink
	Metrics *monitoring.Metrics
	State   *DeviceState
}

// HandleLine classifies one line and acts on it. Distance lines become
// DistanceEvents; status lines update State; anything else is counted and
// logged.
func (h *LineHandler) HandleLine(ctx context.Context, payload string) error {
	kind := ClassifyPayload(payload)
	h.Metrics.RecordSerialLine(kind)

	switch kind {
	case EventTypeDistance:
		meters, err := ParseDistance(payload)
		if err != nil {
			return fmt.Errorf("failed to parse distance line: %w", err)
		}
		if _, err := h.Sink.HandleDistance(ctx, ingest.DistanceEvent{Meters: meters, Source: SourceSerial}); err != nil {
			return fmt.Errorf("failed to apply distance: %w", err)
		}
	case EventTypeStatus:
		if h.State == nil {
			return nil
		}
		if err := h.State.merge(payload); err != nil {
			return fmt.Errorf("failed to handle status line: %w", err)
		}
	default:
		logf("unknown line: %q", payload)
	}
	return nil
}

// Consume subscribes to mux and handles every line until ctx is done or the
// mux closes the subscription. Per-line errors are logged, not returned.
func (h *LineHandler) Consume(ctx context.Context, mux SerialMuxInterface) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := h.HandleLine(ctx, line); err != nil {
				logf("%v", err)
			}
		}
	}
}
