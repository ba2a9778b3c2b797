package serialmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/banshee-data/aura/internal/units"
)

const (
	EventTypeDistance = "distance"
	EventTypeStatus   = "status"
	EventTypeUnknown  = "unknown"
)

// ErrNoDistance is returned for a line that carries no range value.
var ErrNoDistance = errors.New("line has no distance")

// distanceKeys are the JSON fields accepted as the range value, in order.
var distanceKeys = []string{"distance", "dist", "range"}

// textDistance matches "1.53", "153cm", "d=153 cm", "Distance: 1.2m".
var textDistance = regexp.MustCompile(`^(?i:(?:d|dist|distance|range)\s*[=:]\s*)?([-+]?(?:\d+\.?\d*|\.\d+))\s*([a-zA-Z]*)$`)

// ClassifyPayload inspects a line and returns a simple event type token.
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	if strings.HasPrefix(p, "{") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(p), &obj); err != nil {
			return EventTypeUnknown
		}
		for _, k := range distanceKeys {
			if _, ok := obj[k]; ok {
				return EventTypeDistance
			}
		}
		return EventTypeStatus
	}
	if textDistance.MatchString(p) {
		return EventTypeDistance
	}
	return EventTypeUnknown
}

// ParseDistance extracts a range reading in meters from a rangefinder line.
// Bare numbers are meters; a unit suffix or a JSON "unit" field selects
// cm, mm, ft or in.
func ParseDistance(payload string) (float64, error) {
	p := strings.TrimSpace(payload)
	if strings.HasPrefix(p, "{") {
		return parseJSONDistance(p)
	}

	m := textDistance.FindStringSubmatch(p)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrNoDistance, payload)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", m[1], err)
	}
	return toMeters(v, m[2])
}

func parseJSONDistance(p string) (float64, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(p), &obj); err != nil {
		return 0, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var unit string
	if raw, ok := obj["unit"]; ok {
		if err := json.Unmarshal(raw, &unit); err != nil {
			return 0, fmt.Errorf("unit must be a string: %w", err)
		}
	}
	for _, k := range distanceKeys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return 0, fmt.Errorf("%s must be a number: %w", k, err)
		}
		return toMeters(v, unit)
	}
	return 0, fmt.Errorf("%w: %s", ErrNoDistance, p)
}

func toMeters(v float64, unit string) (float64, error) {
	if unit == "" {
		unit = units.Meters
	}
	return units.ToMeters(v, unit)
}
