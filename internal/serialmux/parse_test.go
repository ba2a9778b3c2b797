package serialmux

import (
	"errors"
	"testing"
)

func TestClassifyPayload(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"1.53", EventTypeDistance},
		{"  1.53\r", EventTypeDistance},
		{"d=153cm", EventTypeDistance},
		{"Distance: 1.2 m", EventTypeDistance},
		{".5", EventTypeDistance},
		{`{"distance":1.53}`, EventTypeDistance},
		{`{"range":120,"unit":"cm"}`, EventTypeDistance},
		{`{"fw":"1.2.0","mode":"continuous"}`, EventTypeStatus},
		{`{"distance":`, EventTypeUnknown},
		{"booting...", EventTypeUnknown},
		{"", EventTypeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyPayload(tt.line); got != tt.want {
			t.Errorf("ClassifyPayload(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestParseDistance(t *testing.T) {
	tests := []struct {
		line string
		want float64
	}{
		{"1.53", 1.53},
		{"0", 0},
		{"153cm", 1.53},
		{"d=153 cm", 1.53},
		{"DIST:1530mm", 1.53},
		{"range = 5ft", 1.524},
		{"Distance: 2M", 2},
		{`{"distance":1.53}`, 1.53},
		{`{"dist":153,"unit":"cm"}`, 1.53},
		{`{"range":60,"unit":"in"}`, 1.524},
		{"-0.5", -0.5},
	}
	for _, tt := range tests {
		got, err := ParseDistance(tt.line)
		if err != nil {
			t.Errorf("ParseDistance(%q) error: %v", tt.line, err)
			continue
		}
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("ParseDistance(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestParseDistance_Errors(t *testing.T) {
	for _, line := range []string{"hello", "1.5 parsecs", `{"mode":"x"}`, `{"distance":"far"}`, `{"distance":1,"unit":5}`, `{"distance":1,"unit":"km"}`, `{`} {
		if _, err := ParseDistance(line); err == nil {
			t.Errorf("ParseDistance(%q) expected error", line)
		}
	}
	if _, err := ParseDistance("booting"); !errors.Is(err, ErrNoDistance) {
		t.Errorf("expected ErrNoDistance, got %v", err)
	}
}
