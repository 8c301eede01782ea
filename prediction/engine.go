// Package prediction simulates locally owned entities ahead of the server and
// rewinds them when an authoritative correction disagrees with what was
// predicted.
package prediction

import (
	"log"
	"sort"

	"github.com/rotisserie/eris"

	"spaceship-netsync/entity"
	"spaceship-netsync/history"
	"spaceship-netsync/telemetry"
	"spaceship-netsync/tick"
)

var (
	// ErrStaleCorrection means the confirmed tick is older than retained
	// history; the correction cannot be applied and is dropped.
	ErrStaleCorrection = eris.New("stale correction")
	// ErrReplayDivergence means the simulation failed during replay; the
	// entity was force-resynced to the confirmed value.
	ErrReplayDivergence = eris.New("replay divergence unrecoverable")
	ErrUnknownEntity    = eris.New("unknown predicted entity")
)

// Simulator is the simulation-logic collaborator. Simulate must be a pure,
// deterministic function of state, input and tick: it is called again with
// the same arguments during rollback replay, so side effects that are not
// reproduced identically on replay break reconciliation. It must not mutate
// state in place.
type Simulator[S, I any] interface {
	Simulate(id entity.ID, state S, input I, at tick.Tick) (S, error)
}

// SimulatorFunc adapts a function to Simulator.
type SimulatorFunc[S, I any] func(id entity.ID, state S, input I, at tick.Tick) (S, error)

// Simulate calls f.
func (f SimulatorFunc[S, I]) Simulate(id entity.ID, state S, input I, at tick.Tick) (S, error) {
	return f(id, state, input, at)
}

// Outcome describes what Reconcile did.
type Outcome uint8

const (
	// Dropped: the correction was not applied.
	Dropped Outcome = iota
	// Matched: prediction agreed with the server; nothing changed.
	Matched
	// RolledBack: history rewritten from the confirmed tick and replayed.
	RolledBack
	// SnappedForward: the server was ahead; the entity now starts from the
	// confirmed tick.
	SnappedForward
	// Resynced: replay failed and the entity was reset to the confirmed value.
	Resynced
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case RolledBack:
		return "rolled_back"
	case SnappedForward:
		return "snapped_forward"
	case Resynced:
		return "resynced"
	}
	return "dropped"
}

// Config holds engine settings.
type Config struct {
	// Capacity bounds each entity's state and input history; it caps the
	// correction latency the engine can absorb.
	Capacity int
	Logger   *log.Logger
}

// DefaultConfig keeps one second of history at 60 Hz.
func DefaultConfig() Config {
	return Config{Capacity: 64}
}

type track[S, I any] struct {
	states  *history.Buffer[S]
	inputs  *history.Buffer[I]
	current S
}

// Engine runs Stable stepping and Reconciling for every predicted entity.
// It is owned by the simulation goroutine.
type Engine[S, I any] struct {
	cfg    Config
	sim    Simulator[S, I]
	equal  func(a, b S) bool
	clone  func(S) S
	logger *log.Logger

	tracks     map[entity.ID]*track[S, I]
	tick       tick.Tick
	onRollback []func(entity.ID, tick.Tick)
}

// New creates an engine. equal decides whether a prediction matches a
// confirmed value and should apply any tolerance for continuous types.
func New[S, I any](cfg Config, sim Simulator[S, I], equal func(a, b S) bool) *Engine[S, I] {
	if cfg.Capacity < 2 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine[S, I]{
		cfg:    cfg,
		sim:    sim,
		equal:  equal,
		clone:  func(s S) S { return s },
		logger: logger,
		tracks: make(map[entity.ID]*track[S, I]),
	}
}

// SetClone installs a copy function for states with reference semantics
// (maps, slices) so history entries never alias each other.
func (e *Engine[S, I]) SetClone(clone func(S) S) {
	e.clone = clone
}

// OnRollback subscribes to rollback notifications.
func (e *Engine[S, I]) OnRollback(fn func(id entity.ID, at tick.Tick)) {
	e.onRollback = append(e.onRollback, fn)
}

// Capacity returns the per-entity history length.
func (e *Engine[S, I]) Capacity() int { return e.cfg.Capacity }

// SetCapacity resizes every entity's history, e.g. after the round trip
// estimate changed. Shrinking drops the oldest entries.
func (e *Engine[S, I]) SetCapacity(n int) {
	if n < 2 {
		n = 2
	}
	e.cfg.Capacity = n
	for _, tr := range e.tracks {
		tr.states.Resize(n)
		tr.inputs.Resize(n)
	}
}

// Tick returns the newest predicted tick.
func (e *Engine[S, I]) Tick() tick.Tick { return e.tick }

// Len returns the number of predicted entities.
func (e *Engine[S, I]) Len() int { return len(e.tracks) }

// Add starts predicting an entity from an initial state at tick at.
func (e *Engine[S, I]) Add(id entity.ID, at tick.Tick, initial S) {
	tr := &track[S, I]{
		states:  history.New[S](e.cfg.Capacity),
		inputs:  history.New[I](e.cfg.Capacity),
		current: e.clone(initial),
	}
	_ = tr.states.Push(at, e.clone(initial))
	e.tracks[id] = tr
	if at.After(e.tick) {
		e.tick = at
	}
}

// Has reports whether id is predicted.
func (e *Engine[S, I]) Has(id entity.ID) bool {
	_, ok := e.tracks[id]
	return ok
}

// Remove stops predicting an entity and discards its buffers.
func (e *Engine[S, I]) Remove(id entity.ID) {
	delete(e.tracks, id)
}

// Clear drops every entity.
func (e *Engine[S, I]) Clear() {
	e.tracks = make(map[entity.ID]*track[S, I])
}

// State returns the newest predicted state.
func (e *Engine[S, I]) State(id entity.ID) (S, bool) {
	tr, ok := e.tracks[id]
	if !ok {
		var zero S
		return zero, false
	}
	return tr.current, true
}

// StateAt returns the buffered predicted state at exactly at.
func (e *Engine[S, I]) StateAt(id entity.ID, at tick.Tick) (S, bool) {
	tr, ok := e.tracks[id]
	if !ok {
		var zero S
		return zero, false
	}
	return tr.states.Get(at)
}

// History returns the buffered states, oldest first.
func (e *Engine[S, I]) History(id entity.ID) []history.Entry[S] {
	tr, ok := e.tracks[id]
	if !ok {
		return nil
	}
	return tr.states.Entries()
}

// RecordInput stores the local input that drives id at tick at.
func (e *Engine[S, I]) RecordInput(id entity.ID, at tick.Tick, in I) error {
	tr, ok := e.tracks[id]
	if !ok {
		return eris.Wrapf(ErrUnknownEntity, "entity %d", id)
	}
	return tr.inputs.Push(at, in)
}

// inputAt replays the newest input at or before at; an entity without input
// for a tick keeps doing what it was last told.
func (tr *track[S, I]) inputAt(at tick.Tick) I {
	if e, ok := tr.inputs.LatestBeforeOrAt(at); ok {
		return e.Value
	}
	var zero I
	return zero
}

func (e *Engine[S, I]) ids() []entity.ID {
	out := make([]entity.ID, 0, len(e.tracks))
	for id := range e.tracks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Step advances every predicted entity to tick at, pushing each result to its
// history. Entities that already hold a state for at are skipped; entities
// added at an older tick are simulated through every tick in between.
func (e *Engine[S, I]) Step(at tick.Tick) error {
	if e.tick != 0 && !at.After(e.tick) {
		return eris.Wrapf(history.ErrOutOfOrderTick, "step %d, predicted tick %d", at, e.tick)
	}
	for _, id := range e.ids() {
		tr := e.tracks[id]
		from := at
		if newest, ok := tr.states.Newest(); ok {
			if !at.After(newest.Tick) {
				continue
			}
			from = newest.Tick + 1
		}
		for t := from; !t.After(at); t++ {
			next, err := e.sim.Simulate(id, e.clone(tr.current), tr.inputAt(t), t)
			if err != nil {
				e.logger.Printf("error: simulate entity %d at tick %d: %v", id, t, err)
				next = tr.current
			}
			tr.current = next
			_ = tr.states.Push(t, e.clone(next))
		}
	}
	e.tick = at
	return nil
}

// Reconcile compares a confirmed value for tick at with the prediction and
// rewinds and replays the entity when they differ.
func (e *Engine[S, I]) Reconcile(id entity.ID, at tick.Tick, confirmed S) (Outcome, error) {
	tr, ok := e.tracks[id]
	if !ok {
		return Dropped, eris.Wrapf(ErrUnknownEntity, "entity %d", id)
	}

	if at.After(e.tick) {
		// server is ahead of us, e.g. after a stall
		tr.states.Clear()
		_ = tr.states.Push(at, e.clone(confirmed))
		tr.current = e.clone(confirmed)
		e.tick = at
		return SnappedForward, nil
	}

	oldest, ok := tr.states.Oldest()
	if !ok || at.Before(oldest.Tick) {
		telemetry.StaleCorrections.Inc()
		e.logger.Printf("stale correction for entity %d at tick %d (oldest %d)", id, at, oldest.Tick)
		return Dropped, eris.Wrapf(ErrStaleCorrection, "entity %d tick %d", id, at)
	}

	if predicted, ok := tr.states.Get(at); ok && e.equal(predicted, confirmed) {
		return Matched, nil
	}

	// Replay into scratch first so an aborted replay leaves history untouched.
	scratch := []history.Entry[S]{{Tick: at, Value: e.clone(confirmed)}}
	state := e.clone(confirmed)
	for t := at + 1; !t.After(e.tick); t++ {
		next, err := e.sim.Simulate(id, e.clone(state), tr.inputAt(t), t)
		if err != nil {
			e.resync(tr, at, confirmed)
			telemetry.ReplayDivergences.Inc()
			e.logger.Printf("error: replay entity %d failed at tick %d, resynced to tick %d: %v", id, t, at, err)
			return Resynced, eris.Wrapf(ErrReplayDivergence, "entity %d tick %d: %v", id, t, err)
		}
		state = next
		scratch = append(scratch, history.Entry[S]{Tick: t, Value: e.clone(next)})
	}

	if at == 0 {
		tr.states.Clear()
	} else {
		tr.states.TruncateAfter(at - 1)
	}
	for _, entry := range scratch {
		_ = tr.states.Push(entry.Tick, entry.Value)
	}
	tr.current = state

	telemetry.Rollbacks.Inc()
	telemetry.RollbackDepth.Observe(float64(len(scratch) - 1))
	for _, fn := range e.onRollback {
		fn(id, at)
	}
	return RolledBack, nil
}

func (e *Engine[S, I]) resync(tr *track[S, I], at tick.Tick, confirmed S) {
	tr.states.Clear()
	_ = tr.states.Push(at, e.clone(confirmed))
	tr.current = e.clone(confirmed)
}
