package replication

import (
	"sort"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/tick"
)

// Key addresses one replicated value. Resources use Entity 0.
type Key struct {
	Entity entity.ID
	Kind   diff.Kind
}

// Acked is a value the peer confirmed receiving, with the tick of the batch
// that carried it.
type Acked struct {
	Tick  tick.Tick
	Value any
}

type inflight struct {
	tick   tick.Tick
	values map[Key]any
}

// AckTracker remembers which values each unacknowledged batch carried, and
// the newest acknowledged value per key. Deltas are computed against the
// acknowledged value because only that one is known to be held by the peer.
type AckTracker struct {
	max     int
	pending map[uint32]inflight
	acked   map[Key]Acked
}

// NewAckTracker keeps at most maxPending unacknowledged batches.
func NewAckTracker(maxPending int) *AckTracker {
	if maxPending <= 0 {
		maxPending = 64
	}
	return &AckTracker{
		max:     maxPending,
		pending: make(map[uint32]inflight),
		acked:   make(map[Key]Acked),
	}
}

// Track records the full values carried by batch seq.
func (a *AckTracker) Track(seq uint32, at tick.Tick, values map[Key]any) {
	if len(values) == 0 {
		return
	}
	a.pending[seq] = inflight{tick: at, values: values}
	if len(a.pending) > a.max {
		// peer stopped acking; forget the oldest batch
		oldest := seq
		for s := range a.pending {
			if s < oldest {
				oldest = s
			}
		}
		delete(a.pending, oldest)
	}
}

// Ack promotes the values of batch seq. Acks for batches older than the
// stored base are ignored per key.
func (a *AckTracker) Ack(seq uint32) bool {
	b, ok := a.pending[seq]
	if !ok {
		return false
	}
	delete(a.pending, seq)
	for k, v := range b.values {
		if cur, ok := a.acked[k]; ok && !b.tick.After(cur.Tick) {
			continue
		}
		a.acked[k] = Acked{Tick: b.tick, Value: v}
	}
	return true
}

// Base returns the newest acknowledged value for k.
func (a *AckTracker) Base(k Key) (Acked, bool) {
	v, ok := a.acked[k]
	return v, ok
}

// Forget drops every value of an entity, or one component when kind is set.
func (a *AckTracker) Forget(id entity.ID, kinds ...diff.Kind) {
	match := func(k Key) bool {
		if k.Entity != id {
			return false
		}
		if len(kinds) == 0 {
			return true
		}
		for _, kind := range kinds {
			if k.Kind == kind {
				return true
			}
		}
		return false
	}
	for k := range a.acked {
		if match(k) {
			delete(a.acked, k)
		}
	}
	for _, b := range a.pending {
		for k := range b.values {
			if match(k) {
				delete(b.values, k)
			}
		}
	}
}

// Pending lists unacknowledged batch sequence numbers, ascending.
func (a *AckTracker) Pending() []uint32 {
	out := make([]uint32, 0, len(a.pending))
	for s := range a.pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
