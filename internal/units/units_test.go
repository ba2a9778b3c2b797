package units

import (
	"math"
	"testing"
)

func TestConvertDistance(t *testing.T) {
	tests := []struct {
		name     string
		meters   float64
		units    string
		expected float64
	}{
		{"1.5 m to cm", 1.5, Centimeters, 150},
		{"1.5 m to mm", 1.5, Millimeters, 1500},
		{"1 m to ft", 1, Feet, 3.28084},
		{"1 m to in", 1, Inches, 39.3701},
		{"2 m to m", 2, Meters, 2},
		{"unknown units default to m", 2, "furlong", 2},
		{"0 m to ft", 0, Feet, 0},
		{"arm's length 0.7 m to in", 0.7, Inches, 27.559},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertDistance(tt.meters, tt.units)
			if math.Abs(result-tt.expected) > 0.001 {
				t.Errorf("ConvertDistance(%f, %s) = %f, want %f", tt.meters, tt.units, result, tt.expected)
			}
		})
	}
}

func TestToMeters(t *testing.T) {
	tests := []struct {
		value    float64
		units    string
		expected float64
		wantErr  bool
	}{
		{153, "cm", 1.53, false},
		{153, "CM", 1.53, false},
		{1530, Millimeters, 1.53, false},
		{5, Feet, 1.524, false},
		{12, Inches, 0.3048, false},
		{1, "yd", 0, true},
	}
	for _, tt := range tests {
		got, err := ToMeters(tt.value, tt.units)
		if (err != nil) != tt.wantErr {
			t.Errorf("ToMeters(%v, %q) error = %v, wantErr %v", tt.value, tt.units, err, tt.wantErr)
			continue
		}
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("ToMeters(%v, %q) = %v, want %v", tt.value, tt.units, got, tt.expected)
		}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid m", Meters, true},
		{"valid cm", Centimeters, true},
		{"valid ft", Feet, true},
		{"valid in", Inches, true},
		{"invalid unit", "invalid", false},
		{"empty string", "", false},
		{"case sensitive", "CM", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValid(tt.unit)
			if result != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, result, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	if got := GetValidUnitsString(); got != "m, cm, mm, ft, in" {
		t.Errorf("GetValidUnitsString() = %q", got)
	}
}
