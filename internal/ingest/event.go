package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/aura/internal/scene"
	"github.com/banshee-data/aura/internal/security"
)

var (
	// ErrInvalidImageRef rejects a frame event before any work is done.
	ErrInvalidImageRef = errors.New("ingest: invalid image reference")
	// ErrInvalidDistance rejects a negative or non-finite distance.
	ErrInvalidDistance = errors.New("ingest: invalid distance")
)

// Event kinds, as used in metrics and the journal.
const (
	KindFrame    = "frame"
	KindDistance = "distance"
)

// Distance sources recorded on a frame outcome.
const (
	SourceEvent   = "event"
	SourceLatest  = "lidar"
	SourceDefault = "default"
)

// FrameEvent asks for a detection on one camera frame. Distance is
// optional; nil means use the latest range reading or the default.
type FrameEvent struct {
	ImageRef string   `json:"imageUrl"`
	Distance *float64 `json:"lidarDistance,omitempty"`
}

// DistanceEvent carries one range reading.
type DistanceEvent struct {
	Meters float64 `json:"distance"`
	Source string  `json:"source,omitempty"`
}

// State is the lifecycle position of one event.
type State int

const (
	StateReceived State = iota
	StateDispatched
	StateFused
	StateCommitted
	StateFailed
	// StateSuperseded: the result was valid but a newer event had already
	// been installed, so nothing changed.
	StateSuperseded
	// StateApplied: a distance update was installed.
	StateApplied
	// StateNoScene: a distance was recorded but there was no scene to
	// annotate yet.
	StateNoScene
)

var stateNames = [...]string{
	StateReceived:   "received",
	StateDispatched: "dispatched",
	StateFused:      "fused",
	StateCommitted:  "committed",
	StateFailed:     "failed",
	StateSuperseded: "superseded",
	StateApplied:    "applied",
	StateNoScene:    "no_scene",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether s ends an event's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateFailed, StateSuperseded, StateApplied, StateNoScene:
		return true
	}
	return false
}

// transitions lists the legal successors of each non-terminal state.
var transitions = map[State][]State{
	StateReceived:   {StateDispatched, StateApplied, StateNoScene, StateSuperseded},
	StateDispatched: {StateFused, StateFailed},
	StateFused:      {StateCommitted, StateSuperseded},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is the externally visible result of one event. Only terminal
// states are ever returned.
type Outcome struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	Seq        uint64    `json:"seq"`
	State      State     `json:"state"`
	ImageRef   string    `json:"image_ref,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	// Distance is the value fused into the scene, and DistanceSource where
	// it came from.
	Distance       float64 `json:"distance_m"`
	DistanceSource string  `json:"distance_source,omitempty"`

	// DetectDuration is the time spent waiting on the detector.
	DetectDuration time.Duration `json:"detect_duration_ns,omitempty"`

	// Scene is the snapshot installed by this event, when there was one.
	Scene *scene.Scene `json:"scene,omitempty"`

	Err error `json:"-"`
}

// ErrMessage returns the failure message, or "".
func (o Outcome) ErrMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// event tracks one in-flight event through its states.
type event struct {
	out Outcome
}

func (e *event) advance(to State) {
	if !canTransition(e.out.State, to) {
		logf("event %s: illegal transition %s -> %s", e.out.EventID, e.out.State, to)
	}
	e.out.State = to
}

// validateDistance accepts any finite, non-negative value.
func validateDistance(d float64) error {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return fmt.Errorf("%w: %v is not finite", ErrInvalidDistance, d)
	}
	if d < 0 {
		return fmt.Errorf("%w: %v is negative", ErrInvalidDistance, d)
	}
	return nil
}

// validateImageRef accepts http(s) URLs with a host, and local paths inside
// one of imageDirs. Local paths are refused when imageDirs is empty.
func validateImageRef(ref string, imageDirs []string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidImageRef)
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("%w: %q looks like a flag", ErrInvalidImageRef, ref)
	}
	if strings.ContainsAny(ref, "\x00\r\n") {
		return fmt.Errorf("%w: control characters", ErrInvalidImageRef)
	}

	if strings.Contains(ref, "://") {
		if _, err := security.ValidateRemoteURL(ref); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidImageRef, err)
		}
		return nil
	}

	if len(imageDirs) == 0 {
		return fmt.Errorf("%w: local paths are not enabled", ErrInvalidImageRef)
	}
	if err := security.ValidatePathWithinAllowedDirs(ref, imageDirs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImageRef, err)
	}
	return nil
}
