package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_NowAndSince(t *testing.T) {
	var c Clock = RealClock{}
	before := time.Now()
	got := c.Now()
	if got.Before(before) {
		t.Errorf("Now() = %v, earlier than %v", got, before)
	}
	if c.Since(before) < 0 {
		t.Error("Since() returned a negative duration")
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	ticker := RealClock{}.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClock_SetAndAdvance(t *testing.T) {
	start := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	c := NewMockClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Second)
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since(start) = %v, want 90s", got)
	}

	later := start.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", c.Now(), later)
	}
}

func TestMockClock_Ticker(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	if c.TickerCount() != 1 {
		t.Fatalf("TickerCount() = %d, want 1", c.TickerCount())
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire at its interval")
	}

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Minute).(*MockTicker)

	now := time.Unix(42, 0)
	ticker.Trigger(now)
	if got := <-ticker.C(); !got.Equal(now) {
		t.Errorf("Trigger delivered %v, want %v", got, now)
	}
}
