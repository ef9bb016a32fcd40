package clock

import (
	"testing"
	"time"
)

func TestVirtualAdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	clk := NewVirtual(start)

	if !clk.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", clk.Now(), start)
	}

	clk.Advance(90 * time.Second)
	if !clk.Now().Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() = %v after Advance, want %v", clk.Now(), start.Add(90*time.Second))
	}

	jump := start.Add(time.Hour)
	clk.Set(jump)
	if !clk.Now().Equal(jump) {
		t.Errorf("Now() = %v after Set, want %v", clk.Now(), jump)
	}
}

func TestTickConversions(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		ticks    int64
	}{
		{name: "one millisecond", duration: time.Millisecond, ticks: TicksPerMillisecond},
		{name: "one second", duration: time.Second, ticks: TicksPerSecond},
		{name: "three minutes", duration: 3 * time.Minute, ticks: 180 * TicksPerSecond},
		{name: "zero", duration: 0, ticks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DurationToTicks(tt.duration); got != tt.ticks {
				t.Errorf("DurationToTicks(%v) = %d, want %d", tt.duration, got, tt.ticks)
			}
			if got := TicksToDuration(tt.ticks); got != tt.duration {
				t.Errorf("TicksToDuration(%d) = %v, want %v", tt.ticks, got, tt.duration)
			}
		})
	}
}

func TestSystemClockReturnsUTC(t *testing.T) {
	now := System{}.Now()
	if now.Location() != time.UTC {
		t.Errorf("System.Now() location = %v, want UTC", now.Location())
	}
}
