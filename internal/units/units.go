// Package units provides shared constants and conversion for distance units
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	Meters      = "m"
	Centimeters = "cm"
	Millimeters = "mm"
	Feet        = "ft"
	Inches      = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Meters, Centimeters, Millimeters, Feet, Inches}

// metersPer holds how many meters one of each unit is.
var metersPer = map[string]float64{
	Meters:      1,
	Centimeters: 0.01,
	Millimeters: 0.001,
	Feet:        0.3048,
	Inches:      0.0254,
}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	_, ok := metersPer[unit]
	return ok
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertDistance converts a distance from meters to the target units.
// The scene store keeps distances in meters.
func ConvertDistance(meters float64, targetUnits string) float64 {
	f, ok := metersPer[targetUnits]
	if !ok {
		return meters // default to meters if unknown unit
	}
	return meters / f
}

// ToMeters converts a value in the given units to meters.
func ToMeters(value float64, fromUnits string) (float64, error) {
	f, ok := metersPer[strings.ToLower(fromUnits)]
	if !ok {
		return 0, fmt.Errorf("unknown distance unit %q (valid: %s)", fromUnits, GetValidUnitsString())
	}
	return value * f, nil
}
