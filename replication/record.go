package replication

import (
	"sort"

	"github.com/rotisserie/eris"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/tick"
)

var (
	// ErrMissingBase means a delta record arrived for a base value the
	// receiver no longer holds. The record is dropped.
	ErrMissingBase = eris.New("delta base not held")
	ErrBadOrder    = eris.New("batch records out of order")
)

// RecordKind is the kind of one replication record. The numeric order is
// the order records appear in a batch.
type RecordKind uint8

const (
	RecordSpawn RecordKind = iota + 1
	RecordUpdate
	RecordResource
	RecordRemove
	RecordDespawn
)

func (k RecordKind) String() string {
	switch k {
	case RecordSpawn:
		return "spawn"
	case RecordUpdate:
		return "update"
	case RecordResource:
		return "resource"
	case RecordRemove:
		return "remove"
	case RecordDespawn:
		return "despawn"
	}
	return "unknown"
}

// Record is one state change for a peer. Update and Resource records carry
// an encoded full value, or a delta against the value the peer acknowledged
// at BaseTick.
type Record struct {
	Kind      RecordKind `msgpack:"k"`
	Entity    entity.ID  `msgpack:"e,omitempty"`
	Component diff.Kind  `msgpack:"c,omitempty"`
	Payload   []byte     `msgpack:"p,omitempty"`
	Delta     bool       `msgpack:"d,omitempty"`
	BaseTick  tick.Tick  `msgpack:"bt,omitempty"`

	// spawn only
	Owner        entity.PeerID `msgpack:"o,omitempty"`
	SpawnTick    tick.Tick     `msgpack:"st,omitempty"`
	PreSpawnHash uint64        `msgpack:"h,omitempty"`
	HasHash      bool          `msgpack:"hh,omitempty"`
}

// Batch is the ordered set of records sent to one peer for one tick.
type Batch struct {
	Seq     uint32    `msgpack:"s"`
	Tick    tick.Tick `msgpack:"t"`
	Records []Record  `msgpack:"r"`
}

// Order normalizes records into batch order: spawns, updates, resources,
// removals, despawns. Records for an entity despawned in the same batch are
// dropped, and an entity both spawned and despawned cancels out entirely.
func Order(records []Record) []Record {
	despawned := make(map[entity.ID]bool)
	spawned := make(map[entity.ID]bool)
	for _, r := range records {
		switch r.Kind {
		case RecordDespawn:
			despawned[r.Entity] = true
		case RecordSpawn:
			spawned[r.Entity] = true
		}
	}

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if despawned[r.Entity] {
			switch r.Kind {
			case RecordSpawn, RecordUpdate, RecordRemove:
				continue
			case RecordDespawn:
				if spawned[r.Entity] {
					continue
				}
			}
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		return a.Component < b.Component
	})
	return out
}

// CheckOrder verifies that no despawn or removal precedes a record that
// still references the same entity.
func CheckOrder(b Batch) error {
	gone := make(map[entity.ID]RecordKind)
	last := RecordKind(0)
	for i, r := range b.Records {
		if r.Kind < last {
			return eris.Wrapf(ErrBadOrder, "record %d: %s after %s", i, r.Kind, last)
		}
		last = r.Kind
		if k, ok := gone[r.Entity]; ok && r.Kind != RecordRemove && r.Kind != RecordDespawn {
			return eris.Wrapf(ErrBadOrder, "record %d: %s of entity %d after %s", i, r.Kind, r.Entity, k)
		}
		if r.Kind == RecordDespawn || r.Kind == RecordRemove {
			if r.Entity != 0 {
				gone[r.Entity] = r.Kind
			}
		}
	}
	return nil
}
