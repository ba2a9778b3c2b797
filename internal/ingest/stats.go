package ingest

import (
	"github.com/banshee-data/aura/internal/monitoring"
)

// Stats is a point-in-time summary of coordinator activity.
type Stats struct {
	// Counts is keyed by event kind, then terminal state (or "rejected").
	Counts       map[string]map[string]uint64 `json:"counts"`
	InFlight     int64                        `json:"in_flight"`
	LastSeq      uint64                       `json:"last_seq"`
	SceneVersion uint64                       `json:"scene_version"`
	Subscribers  int                          `json:"subscribers"`
	// DetectLatency summarises recent detector round trips in seconds.
	DetectLatency monitoring.Summary `json:"detect_latency_s"`
}

// Stats returns a copy of the current counters.
func (c *Coordinator) Stats() Stats {
	c.countsMu.Lock()
	counts := make(map[string]map[string]uint64, len(c.counts))
	for kind, byState := range c.counts {
		m := make(map[string]uint64, len(byState))
		for state, n := range byState {
			m[state] = n
		}
		counts[kind] = m
	}
	c.countsMu.Unlock()

	return Stats{
		Counts:        counts,
		InFlight:      c.inFlight.Load(),
		LastSeq:       c.seq.Load(),
		SceneVersion:  c.store.Version(),
		Subscribers:   c.store.SubscriberCount(),
		DetectLatency: c.latency.Summary(),
	}
}

// LatencySamples returns recent detector latencies, oldest first.
func (c *Coordinator) LatencySamples() []monitoring.Sample {
	return c.latency.Samples()
}

// DistanceSamples returns recent accepted range readings, oldest first.
func (c *Coordinator) DistanceSamples() []monitoring.Sample {
	return c.distances.Samples()
}
