package ingest

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "committed", StateCommitted.String())
	assert.Equal(t, "no_scene", StateNoScene.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	require.NoError(t, json.Unmarshal([]byte(`"superseded"`), &s))
	assert.Equal(t, StateSuperseded, s)
	assert.Error(t, json.Unmarshal([]byte(`"exploded"`), &s))
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateReceived, StateDispatched, StateFused} {
		assert.False(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateCommitted, StateFailed, StateSuperseded, StateApplied, StateNoScene} {
		assert.True(t, s.Terminal(), s.String())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StateDispatched, true},
		{StateDispatched, StateFused, true},
		{StateDispatched, StateFailed, true},
		{StateFused, StateCommitted, true},
		{StateFused, StateSuperseded, true},
		{StateReceived, StateApplied, true},
		{StateReceived, StateCommitted, false},
		{StateDispatched, StateCommitted, false},
		{StateCommitted, StateFailed, false},
		{StateFailed, StateCommitted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOutcome_JSON(t *testing.T) {
	b, err := json.Marshal(Outcome{EventID: "e1", Kind: KindFrame, State: StateSuperseded})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "superseded", m["state"])
	assert.NotContains(t, m, "scene")
}

func TestFrameEvent_JSONFieldNames(t *testing.T) {
	var fe FrameEvent
	require.NoError(t, json.Unmarshal([]byte(`{"imageUrl":"http://cam/capture","lidarDistance":1.2}`), &fe))
	assert.Equal(t, "http://cam/capture", fe.ImageRef)
	require.NotNil(t, fe.Distance)
	assert.Equal(t, 1.2, *fe.Distance)
}

func TestValidateDistance(t *testing.T) {
	for _, d := range []float64{0, 0.01, 2, 1e6} {
		assert.NoError(t, validateDistance(d), "%v", d)
	}
	for _, d := range []float64{-0.001, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, validateDistance(d), ErrInvalidDistance, "%v", d)
	}
}

func TestValidateImageRef(t *testing.T) {
	dir := t.TempDir()
	ok := []string{
		"http://192.168.4.1/capture",
		"https://cam.local/frame.jpg?x=1",
		dir + "/frame.jpg",
	}
	for _, ref := range ok {
		assert.NoError(t, validateImageRef(ref, []string{dir}), ref)
	}
	bad := []string{"", "-x", "ftp://host/a.jpg", "http://", "/etc/passwd", "a\x00b"}
	for _, ref := range bad {
		assert.ErrorIs(t, validateImageRef(ref, []string{dir}), ErrInvalidImageRef, "%q", ref)
	}
}
