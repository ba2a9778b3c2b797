// Package scene holds the fused view of the world around the wearer: the
// objects and people most recently reported by the vision worker, annotated
// with the latest LiDAR range reading.
package scene

import "time"

// BoundingBox is a detection box in frame pixels as [x1, y1, x2, y2].
type BoundingBox [4]int

// Entity is one detected object or person. Objects carry a Label, people a
// Name (possibly "Unknown"); detectors may set either.
type Entity struct {
	Label          string       `json:"label,omitempty"`
	Name           string       `json:"name,omitempty"`
	Confidence     *float64     `json:"confidence,omitempty"`
	BBox           *BoundingBox `json:"bbox,omitempty"`
	DistanceMeters *float64     `json:"distance_m,omitempty"`
}

// DisplayName returns the Label, falling back to the Name.
func (e Entity) DisplayName() string {
	if e.Label != "" {
		return e.Label
	}
	return e.Name
}

// Clone returns a copy of e that shares no pointers with it.
func (e Entity) Clone() Entity {
	out := e
	if e.Confidence != nil {
		v := *e.Confidence
		out.Confidence = &v
	}
	if e.BBox != nil {
		b := *e.BBox
		out.BBox = &b
	}
	if e.DistanceMeters != nil {
		v := *e.DistanceMeters
		out.DistanceMeters = &v
	}
	return out
}

// Scene is one complete, consistent snapshot. Once installed in a Store a
// Scene is never modified; distance updates install a new Scene.
type Scene struct {
	// Version is assigned by the Store and increases on every install.
	Version uint64 `json:"version"`
	// FrameSeq is the receipt sequence of the frame event that produced
	// Objects and People. Zero means the scene was committed unsequenced.
	FrameSeq uint64 `json:"frame_seq"`
	// DistanceSeq is the receipt sequence of the reading that annotates the
	// entities. Zero means the default distance was used.
	DistanceSeq uint64 `json:"distance_seq"`

	// Distance is the reading the entities are annotated with.
	Distance *float64 `json:"distance_m,omitempty"`

	EventID        string   `json:"event_id,omitempty"`
	Context        string   `json:"scene,omitempty"`
	Objects        []Entity `json:"objects"`
	People         []Entity `json:"people"`
	AnnotatedImage string   `json:"image,omitempty"`

	CapturedAt time.Time `json:"timestamp"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s. Nil entity slices stay nil.
func (s Scene) Clone() Scene {
	out := s
	if s.Distance != nil {
		d := *s.Distance
		out.Distance = &d
	}
	out.Objects = cloneEntities(s.Objects)
	out.People = cloneEntities(s.People)
	return out
}

// EntityCount is the number of objects plus people.
func (s Scene) EntityCount() int {
	return len(s.Objects) + len(s.People)
}

func cloneEntities(in []Entity) []Entity {
	if in == nil {
		return nil
	}
	out := make([]Entity, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}

// DistanceReading is a single range measurement in meters.
type DistanceReading struct {
	Meters float64   `json:"distance_m"`
	At     time.Time `json:"at"`
	Seq    uint64    `json:"seq"`
	Source string    `json:"source,omitempty"`
}
