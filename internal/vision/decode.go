package vision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/aura/internal/scene"
)

// rawEntity is the detector's entity encoding. Objects use "label" or
// "name", faces use "name", boxes are [x1, y1, x2, y2].
type rawEntity struct {
	Label      string    `json:"label"`
	Name       string    `json:"name"`
	Confidence *float64  `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// workerOutput is the single JSON object the worker process prints.
type workerOutput struct {
	Timestamp string       `json:"timestamp"`
	Scene     string       `json:"scene"`
	Objects   *[]rawEntity `json:"objects"`
	People    *[]rawEntity `json:"people"`
	Image     string       `json:"image"`
}

// backendOutput is the body of POST /api/detect on the vision backend.
type backendOutput struct {
	Objects        *[]rawEntity `json:"objects"`
	Faces          *[]rawEntity `json:"faces"`
	AnnotatedImage string       `json:"annotated_image"`
	Error          string       `json:"error"`
}

// timestampLayouts are tried in order. Python's isoformat omits the zone,
// such times are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// lastJSONLine returns the last non-empty line of out that looks like a JSON
// object. Workers may print progress chatter before the result.
func lastJSONLine(out []byte) ([]byte, error) {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' {
			return line, nil
		}
	}
	return nil, errors.New("no JSON object in worker output")
}

func decodeWorkerOutput(out []byte) (Result, error) {
	line, err := lastJSONLine(out)
	if err != nil {
		return Result{}, err
	}
	var w workerOutput
	if err := json.Unmarshal(line, &w); err != nil {
		return Result{}, fmt.Errorf("decode worker output: %w", err)
	}
	if w.Objects == nil && w.People == nil {
		return Result{}, errors.New("worker output has neither objects nor people")
	}

	objects, err := convertEntities("objects", w.Objects)
	if err != nil {
		return Result{}, err
	}
	people, err := convertEntities("people", w.People)
	if err != nil {
		return Result{}, err
	}
	ts, _ := parseTimestamp(w.Timestamp)
	return Result{
		Context:        w.Scene,
		Objects:        objects,
		People:         people,
		AnnotatedImage: w.Image,
		Timestamp:      ts,
	}, nil
}

func decodeBackendOutput(body []byte) (Result, error) {
	var b backendOutput
	if err := json.Unmarshal(body, &b); err != nil {
		return Result{}, fmt.Errorf("decode detect response: %w", err)
	}
	if b.Objects == nil && b.Faces == nil {
		return Result{}, errors.New("detect response has neither objects nor faces")
	}
	objects, err := convertEntities("objects", b.Objects)
	if err != nil {
		return Result{}, err
	}
	people, err := convertEntities("faces", b.Faces)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Objects:        objects,
		People:         people,
		AnnotatedImage: b.AnnotatedImage,
	}, nil
}

// convertEntities validates raw entities. A missing list becomes an empty
// one so that a committed scene always has both lists.
func convertEntities(list string, raw *[]rawEntity) ([]scene.Entity, error) {
	if raw == nil {
		return []scene.Entity{}, nil
	}
	out := make([]scene.Entity, 0, len(*raw))
	for i, r := range *raw {
		if r.Label == "" && r.Name == "" {
			return nil, fmt.Errorf("%s[%d]: neither label nor name", list, i)
		}
		e := scene.Entity{Label: r.Label, Name: r.Name}
		if r.Confidence != nil {
			c := *r.Confidence
			if math.IsNaN(c) || c < 0 || c > 1 {
				return nil, fmt.Errorf("%s[%d]: confidence %v outside [0,1]", list, i, c)
			}
			e.Confidence = &c
		}
		if r.BBox != nil {
			if len(r.BBox) != 4 {
				return nil, fmt.Errorf("%s[%d]: bbox has %d values, want 4", list, i, len(r.BBox))
			}
			var box scene.BoundingBox
			for j, v := range r.BBox {
				box[j] = int(math.Round(v))
			}
			e.BBox = &box
		}
		out = append(out, e)
	}
	return out, nil
}
