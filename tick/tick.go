package tick

import (
	"math"
	"time"
)

const (
	DefaultTickRate = 60 // simulation steps per second
	DefaultSendRate = 30 // replication batches per second
)

// Tick identifies one fixed-duration simulation step.
type Tick uint32

// Diff returns the signed distance t - other, tolerant of wraparound.
func (t Tick) Diff(other Tick) int32 {
	return int32(t - other)
}

// Before reports whether t happened strictly before other.
func (t Tick) Before(other Tick) bool {
	return t.Diff(other) < 0
}

// After reports whether t happened strictly after other.
func (t Tick) After(other Tick) bool {
	return t.Diff(other) > 0
}

// Add offsets the tick by n steps (n may be negative).
func (t Tick) Add(n int32) Tick {
	return Tick(int32(t) + n)
}

// Sub offsets the tick by n steps backwards, clamping at zero.
func (t Tick) Sub(n uint32) Tick {
	if uint32(t) < n {
		return 0
	}
	return t - Tick(n)
}

// DurationFor returns the fixed step duration for a rate in Hz.
func DurationFor(rate int) time.Duration {
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return time.Second / time.Duration(rate)
}

// TicksFor converts a wall duration to whole ticks, rounding up.
func TicksFor(d, tickDur time.Duration) int {
	if d <= 0 || tickDur <= 0 {
		return 0
	}
	return int(math.Ceil(float64(d) / float64(tickDur)))
}

// HistoryCapacity sizes a history buffer so that a correction arriving one
// full round trip late is still inside the window.
func HistoryCapacity(rtt, tickDur time.Duration, marginTicks int) int {
	n := TicksFor(rtt, tickDur) + marginTicks
	if n < 1 {
		n = 1
	}
	return n
}

// AheadTicks is how far past the welcome tick a predicting client starts so
// its inputs arrive before the server simulates the tick they belong to. The
// welcome is already half a round trip old when it lands and each input needs
// another half to travel back, hence the full RTT.
func AheadTicks(rtt, tickDur time.Duration, marginTicks int) Tick {
	return Tick(TicksFor(rtt, tickDur) + marginTicks)
}
