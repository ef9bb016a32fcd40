// Package clock centralizes time access for the sync coordinator so
// timing-sensitive logic can be tested against a virtual clock.
package clock

import (
	"sync"
	"time"
)

// TicksPerMillisecond converts between wall-clock milliseconds and the
// 100 ns tick unit used for media positions.
const TicksPerMillisecond = 10_000

// TicksPerSecond is the number of 100 ns ticks in one second.
const TicksPerSecond = 10_000_000

// Clock is the single source of "now" for the coordinator.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the real wall clock (UTC).
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Virtual is a manually advanced Clock for tests.
type Virtual struct {
	mutex sync.Mutex
	now   time.Time
}

// NewVirtual creates a virtual clock starting at the given instant.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start.UTC()}
}

// Now returns the virtual clock's current instant.
func (v *Virtual) Now() time.Time {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.now
}

// Advance moves the virtual clock forward by d.
func (v *Virtual) Advance(d time.Duration) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.now = v.now.Add(d)
}

// Set jumps the virtual clock to the given instant.
func (v *Virtual) Set(t time.Time) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.now = t.UTC()
}

// DurationToTicks converts a duration to 100 ns ticks.
func DurationToTicks(d time.Duration) int64 {
	return d.Nanoseconds() / 100
}

// TicksToDuration converts 100 ns ticks to a duration.
func TicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100)
}
