// Package interpolation renders remote entities a fixed delay in the past,
// blending between the two confirmed snapshots that bracket the render tick.
package interpolation

import (
	"log"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"spaceship-netsync/entity"
	"spaceship-netsync/history"
	"spaceship-netsync/telemetry"
	"spaceship-netsync/tick"
)

var ErrUnknownEntity = eris.New("unknown interpolated entity")

// LerpFunc blends start toward end by factor in [0, 1].
type LerpFunc[T any] func(start, end T, factor float64) (T, error)

// Config holds interpolation settings.
type Config struct {
	Capacity int
	// MinDelay is the smallest interpolation delay in ticks.
	MinDelay int
	// SendIntervalRatio scales the sender's send interval into a delay, so at
	// least one newer snapshot is normally buffered.
	SendIntervalRatio float64
	Logger            *log.Logger
}

// DefaultConfig buffers two send intervals with a floor of 3 ticks.
func DefaultConfig() Config {
	return Config{Capacity: 32, MinDelay: 3, SendIntervalRatio: 2}
}

// DelayTicks returns max(MinDelay, ceil(ratio * sendInterval)).
func DelayTicks(cfg Config, sendInterval int) int {
	d := int(math.Ceil(cfg.SendIntervalRatio * float64(sendInterval)))
	if d < cfg.MinDelay {
		d = cfg.MinDelay
	}
	return d
}

// Factor returns (render - t0) / (t1 - t0), clamped to [0, 1].
func Factor(render, t0, t1 tick.Tick) float64 {
	span := t1.Diff(t0)
	if span <= 0 {
		return 0
	}
	f := float64(render.Diff(t0)) / float64(span)
	return math.Max(0, math.Min(1, f))
}

type stream[T any] struct {
	buf        *history.Buffer[T]
	value      T
	hasValue   bool
	despawning bool
	drained    bool
}

// Engine tracks every interpolated entity. It is owned by the simulation
// goroutine.
type Engine[T any] struct {
	cfg       Config
	lerp      LerpFunc[T]
	delay     int
	logger    *log.Logger
	streams   map[entity.ID]*stream[T]
	onDespawn []func(entity.ID)
}

// New creates an engine with the given delay in ticks.
func New[T any](cfg Config, delay int, lerp LerpFunc[T]) *Engine[T] {
	if cfg.Capacity < 2 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if delay < 0 {
		delay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine[T]{
		cfg:     cfg,
		lerp:    lerp,
		delay:   delay,
		logger:  logger,
		streams: make(map[entity.ID]*stream[T]),
	}
}

// Delay returns the interpolation delay in ticks.
func (e *Engine[T]) Delay() int { return e.delay }

// SetDelay changes the interpolation delay. It also grows the snapshot
// buffers so the render tick stays bracketed.
func (e *Engine[T]) SetDelay(delay int) {
	if delay < 0 {
		delay = 0
	}
	e.delay = delay
	if need := delay + 2; need > e.cfg.Capacity {
		e.cfg.Capacity = need
		for _, st := range e.streams {
			st.buf.Resize(need)
		}
	}
}

// OnDespawn subscribes to removals of drained entities.
func (e *Engine[T]) OnDespawn(fn func(entity.ID)) {
	e.onDespawn = append(e.onDespawn, fn)
}

// Add starts tracking id.
func (e *Engine[T]) Add(id entity.ID) {
	if _, ok := e.streams[id]; ok {
		return
	}
	e.streams[id] = &stream[T]{buf: history.New[T](e.cfg.Capacity)}
}

// Has reports whether id is tracked.
func (e *Engine[T]) Has(id entity.ID) bool {
	_, ok := e.streams[id]
	return ok
}

// Len returns the buffered snapshot count for id.
func (e *Engine[T]) Len(id entity.ID) int {
	s, ok := e.streams[id]
	if !ok {
		return 0
	}
	return s.buf.Len()
}

// Push buffers a confirmed snapshot.
func (e *Engine[T]) Push(id entity.ID, at tick.Tick, v T) error {
	s, ok := e.streams[id]
	if !ok {
		return eris.Wrapf(ErrUnknownEntity, "entity %d", id)
	}
	if err := s.buf.Push(at, v); err != nil {
		telemetry.OutOfOrderTicks.WithLabelValues("interpolation").Inc()
		return err
	}
	if !s.hasValue {
		// nothing rendered yet; show the first snapshot until a bracket exists
		s.value, s.hasValue = v, true
	}
	return nil
}

// Latest returns the newest confirmed snapshot for id.
func (e *Engine[T]) Latest(id entity.ID) (history.Entry[T], bool) {
	s, ok := e.streams[id]
	if !ok {
		return history.Entry[T]{}, false
	}
	return s.buf.Newest()
}

// MarkDespawned keeps id rendering until its history drains, then removes it.
func (e *Engine[T]) MarkDespawned(id entity.ID) {
	if s, ok := e.streams[id]; ok {
		s.despawning = true
	}
}

// Remove drops id immediately.
func (e *Engine[T]) Remove(id entity.ID) {
	delete(e.streams, id)
}

// Clear drops every entity.
func (e *Engine[T]) Clear() {
	e.streams = make(map[entity.ID]*stream[T])
}

// Value returns the last rendered value for id.
func (e *Engine[T]) Value(id entity.ID) (T, bool) {
	s, ok := e.streams[id]
	if !ok || !s.hasValue {
		var zero T
		return zero, false
	}
	return s.value, true
}

func (e *Engine[T]) ids() []entity.ID {
	out := make([]entity.ID, 0, len(e.streams))
	for id := range e.streams {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Step renders every entity at current - delay and returns the entities
// removed this step because they finished draining on the previous one.
func (e *Engine[T]) Step(current tick.Tick) []entity.ID {
	var removed []entity.ID
	render := current.Sub(uint32(e.delay))

	for _, id := range e.ids() {
		s := e.streams[id]
		if s.drained {
			delete(e.streams, id)
			removed = append(removed, id)
			continue
		}

		// drop snapshots that can no longer start a bracket
		for s.buf.Len() >= 2 {
			second, _ := s.buf.EarliestAfterOrAt(s.oldestTick() + 1)
			if second.Tick.After(render) {
				break
			}
			s.buf.PopOldest()
		}

		if err := e.render(s, render); err != nil {
			e.logger.Printf("interpolate entity %d at tick %d: %v", id, render, err)
		}

		if s.despawning && s.buf.Len() <= 1 {
			s.drained = true
		}
	}

	for _, id := range removed {
		telemetry.InterpolatedDespawns.Inc()
		for _, fn := range e.onDespawn {
			fn(id)
		}
	}
	return removed
}

func (s *stream[T]) oldestTick() tick.Tick {
	o, _ := s.buf.Oldest()
	return o.Tick
}

func (e *Engine[T]) render(s *stream[T], render tick.Tick) error {
	start, ok0 := s.buf.LatestBeforeOrAt(render)
	end, ok1 := s.buf.EarliestAfterOrAt(render)
	switch {
	case ok0 && ok1 && start.Tick == end.Tick:
		s.value, s.hasValue = start.Value, true
	case ok0 && ok1:
		v, err := e.lerp(start.Value, end.Value, Factor(render, start.Tick, end.Tick))
		if err != nil {
			return err
		}
		s.value, s.hasValue = v, true
	case ok0:
		// caught up with the newest snapshot
		s.value, s.hasValue = start.Value, true
	}
	// otherwise hold the last known value
	return nil
}
