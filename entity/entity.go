// Package entity holds the entity record shared by the runtimes.
package entity

import (
	"fmt"
	"sort"

	"spaceship-netsync/diff"
	"spaceship-netsync/tick"
)

// ID is an opaque entity handle, local to one process.
type ID uint64

// PeerID identifies a remote connection. Zero means the server itself.
type PeerID uint32

// Role states which lifecycle view of a logical object a record is.
type Role uint8

const (
	// Confirmed is authoritative state: owned by the server, or applied
	// unmodified on a client.
	Confirmed Role = iota
	// Predicted is simulated locally ahead of confirmation.
	Predicted
	// Interpolated is render-only state derived from confirmed snapshots.
	Interpolated
)

func (r Role) String() string {
	switch r {
	case Confirmed:
		return "confirmed"
	case Predicted:
		return "predicted"
	case Interpolated:
		return "interpolated"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Record is one entity and its current component values.
type Record struct {
	ID         ID
	Role       Role
	Owner      PeerID
	SpawnTick  tick.Tick
	Components diff.Snapshot

	// Speculative marks a client pre-spawn not yet backed by the server.
	Speculative bool
	// PreSpawned requests a pre-spawn hash so a client's speculative copy
	// can be matched to this entity.
	PreSpawned bool
	// PreSpawnHash is set for pre-spawned entities once computed.
	PreSpawnHash uint64
	HashSet      bool
	// Despawning marks an interpolated entity draining its buffer.
	Despawning bool
}

// Promote turns a speculative pre-spawn into a confirmed-backed entity.
func (r *Record) Promote() {
	r.Speculative = false
}

// SetRole changes the record's role.
func (r *Record) SetRole(role Role) {
	r.Role = role
}

// Store holds records by ID.
type Store struct {
	records map[ID]*Record
	nextID  ID
}

// NewStore creates an empty store. Allocated IDs start at 1.
func NewStore() *Store {
	return &Store{records: make(map[ID]*Record), nextID: 1}
}

// Spawn allocates a new record.
func (s *Store) Spawn(role Role, at tick.Tick, components diff.Snapshot) *Record {
	id := s.nextID
	s.nextID++
	if components == nil {
		components = make(diff.Snapshot)
	}
	r := &Record{ID: id, Role: role, SpawnTick: at, Components: components}
	s.records[id] = r
	return r
}

// Get returns a record by ID.
func (s *Store) Get(id ID) (*Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

// Remove deletes a record, returning it if present.
func (s *Store) Remove(id ID) (*Record, bool) {
	r, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	return r, ok
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// IDs lists record IDs ascending, so iteration is deterministic.
func (s *Store) IDs() []ID {
	out := make([]ID, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Each visits records in ID order.
func (s *Store) Each(fn func(*Record)) {
	for _, id := range s.IDs() {
		fn(s.records[id])
	}
}
