package replication

import (
	"sort"

	"github.com/rotisserie/eris"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/tick"
)

var ErrNoEntity = eris.New("entity not in world")

// Removal is a component removed during the current step.
type Removal struct {
	Entity entity.ID
	Kind   diff.Kind
}

// World is the authoritative entity set the scheduler replicates, with the
// one-step despawn and removal notifications it reads. Owned by the
// simulation goroutine.
type World struct {
	store     *entity.Store
	resources map[diff.Kind]any
	spawned   []*entity.Record
	despawned []*entity.Record
	removed   []Removal
}

// NewWorld creates an empty world.
func NewWorld() *World {
	return &World{
		store:     entity.NewStore(),
		resources: make(map[diff.Kind]any),
	}
}

// Spawn creates a confirmed entity owned by owner. preSpawned asks for a
// pre-spawn hash of the spawn-time components.
func (w *World) Spawn(owner entity.PeerID, at tick.Tick, comps diff.Snapshot, preSpawned bool) *entity.Record {
	r := w.store.Spawn(entity.Confirmed, at, comps.Clone())
	r.Owner = owner
	r.PreSpawned = preSpawned
	w.spawned = append(w.spawned, r)
	return r
}

// Despawn removes an entity. The scheduler sees it until EndStep.
func (w *World) Despawn(id entity.ID) bool {
	r, ok := w.store.Remove(id)
	if ok {
		w.despawned = append(w.despawned, r)
	}
	return ok
}

// Get returns a live entity.
func (w *World) Get(id entity.ID) (*entity.Record, bool) {
	return w.store.Get(id)
}

// Set writes one component value.
func (w *World) Set(id entity.ID, kind diff.Kind, v any) error {
	r, ok := w.store.Get(id)
	if !ok {
		return eris.Wrapf(ErrNoEntity, "entity %d", id)
	}
	r.Components[kind] = v
	return nil
}

// Replace overwrites every component of an entity, recording removals for
// kinds missing from comps.
func (w *World) Replace(id entity.ID, comps diff.Snapshot) error {
	r, ok := w.store.Get(id)
	if !ok {
		return eris.Wrapf(ErrNoEntity, "entity %d", id)
	}
	for _, k := range r.Components.Kinds() {
		if _, keep := comps[k]; !keep {
			w.removed = append(w.removed, Removal{Entity: id, Kind: k})
		}
	}
	r.Components = comps.Clone()
	return nil
}

// Remove deletes one component. The scheduler sees it until EndStep.
func (w *World) Remove(id entity.ID, kind diff.Kind) bool {
	r, ok := w.store.Get(id)
	if !ok {
		return false
	}
	if _, has := r.Components[kind]; !has {
		return false
	}
	delete(r.Components, kind)
	w.removed = append(w.removed, Removal{Entity: id, Kind: kind})
	return true
}

// SetResource writes a world-level value replicated to every peer.
func (w *World) SetResource(kind diff.Kind, v any) {
	w.resources[kind] = v
}

// Resource returns a world-level value.
func (w *World) Resource(kind diff.Kind) (any, bool) {
	v, ok := w.resources[kind]
	return v, ok
}

// ResourceKinds lists resource kinds, ascending.
func (w *World) ResourceKinds() []diff.Kind {
	out := make([]diff.Kind, 0, len(w.resources))
	for k := range w.resources {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDs lists live entities, ascending.
func (w *World) IDs() []entity.ID { return w.store.IDs() }

// Len returns the live entity count.
func (w *World) Len() int { return w.store.Len() }

// Each visits live entities in ID order.
func (w *World) Each(fn func(*entity.Record)) { w.store.Each(fn) }

// OwnedBy lists live entities owned by peer.
func (w *World) OwnedBy(peer entity.PeerID) []entity.ID {
	var out []entity.ID
	w.store.Each(func(r *entity.Record) {
		if r.Owner == peer {
			out = append(out, r.ID)
		}
	})
	return out
}

// Spawned returns entities spawned this step, including ones already
// despawned again.
func (w *World) Spawned() []*entity.Record { return w.spawned }

// Despawned returns entities despawned this step.
func (w *World) Despawned() []*entity.Record { return w.despawned }

// Removed returns components removed this step.
func (w *World) Removed() []Removal { return w.removed }

// EndStep clears the one-step notifications.
func (w *World) EndStep() {
	w.spawned = w.spawned[:0]
	w.despawned = w.despawned[:0]
	w.removed = w.removed[:0]
}
