package tick

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds clock settings.
type Config struct {
	TickRate int // steps per second
}

// DefaultConfig returns a 60 Hz clock config.
func DefaultConfig() Config {
	return Config{TickRate: DefaultTickRate}
}

// Clock is the fixed-rate discrete time source. Advance and SnapTo are meant
// to be called from the simulation goroutine only; Now is safe from anywhere
// (transports stamp outgoing frames with it).
type Clock struct {
	cfg     Config
	current atomic.Uint32

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewClock creates a clock at tick 0.
func NewClock(cfg Config) *Clock {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	return &Clock{cfg: cfg}
}

// Now returns the current tick.
func (c *Clock) Now() Tick {
	return Tick(c.current.Load())
}

// Duration returns the wall duration of one tick.
func (c *Clock) Duration() time.Duration {
	return DurationFor(c.cfg.TickRate)
}

// Rate returns the configured steps per second.
func (c *Clock) Rate() int {
	return c.cfg.TickRate
}

// Advance moves the clock exactly one step forward and returns the new tick.
func (c *Clock) Advance() Tick {
	return Tick(c.current.Add(1))
}

// SnapTo jumps forward to t. Moving backwards is ignored; returns whether the
// clock moved.
func (c *Clock) SnapTo(t Tick) bool {
	for {
		cur := c.current.Load()
		if !t.After(Tick(cur)) {
			return false
		}
		if c.current.CompareAndSwap(cur, uint32(t)) {
			return true
		}
	}
}

// Run drives fn once per tick until ctx is done or Stop is called. A stopped
// clock can be run again.
func (c *Clock) Run(ctx context.Context, fn func(Tick)) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.running = true
	c.stop = stop
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.stop == stop {
			c.running = false
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-ticker.C:
			fn(c.Advance())
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// Stop terminates Run.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.running = false
		close(c.stop)
	}
}
