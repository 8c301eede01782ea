// Package prespawn matches entities a client spawned speculatively to the
// server's authoritative spawn of the same object, without shared IDs.
//
// Matching is best effort: two spawns with identical initial state in the same
// tick hash identically and are paired in creation order.
package prespawn

import (
	"encoding/binary"
	"log"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/blake2b"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/telemetry"
	"spaceship-netsync/tick"
)

var ErrAmbiguousPreSpawn = eris.New("ambiguous pre-spawn hash")

// Hash computes the 64-bit pre-spawn key from the spawn tick and the
// snapshot's component values in ascending kind order. When kinds is not
// empty only those components contribute, so state attached after the spawn
// does not change the key.
func Hash(r *diff.Registry, at tick.Tick, snap diff.Snapshot, kinds ...diff.Kind) (uint64, error) {
	h, err := blake2b.New(8, nil)
	if err != nil {
		return 0, eris.Wrap(err, "blake2b")
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(at))
	h.Write(buf[:])

	keys := snap.Kinds()
	if len(kinds) > 0 {
		keys = keys[:0:0]
		for _, k := range kinds {
			if _, ok := snap[k]; ok {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	}

	var kb [2]byte
	for _, k := range keys {
		raw, err := r.Encode(k, snap[k])
		if err != nil {
			return 0, eris.Wrapf(err, "hash kind %d", k)
		}
		binary.BigEndian.PutUint16(kb[:], uint16(k))
		h.Write(kb[:])
		h.Write(raw)
	}
	return binary.BigEndian.Uint64(h.Sum(nil)), nil
}

// Config holds reconciler settings.
type Config struct {
	// Timeout is how many ticks a speculative spawn may wait for its match
	// before it is treated as rejected.
	Timeout int
	Logger  *log.Logger
}

// DefaultConfig waits half a second at 60 Hz.
func DefaultConfig() Config {
	return Config{Timeout: 30}
}

type pending struct {
	id    entity.ID
	tick  tick.Tick
	hash  uint64
	order uint64
}

// Reconciler tracks unconfirmed local spawns by hash. Owned by the
// simulation goroutine.
type Reconciler struct {
	cfg    Config
	logger *log.Logger
	byHash map[uint64][]*pending
	byID   map[entity.ID]*pending
	seq    uint64
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		cfg:    cfg,
		logger: logger,
		byHash: make(map[uint64][]*pending),
		byID:   make(map[entity.ID]*pending),
	}
}

// Register records a speculative spawn. A hash already held by another
// unconfirmed spawn is still registered, queued behind it, and reported
// with ErrAmbiguousPreSpawn.
func (r *Reconciler) Register(id entity.ID, at tick.Tick, hash uint64) error {
	if _, ok := r.byID[id]; ok {
		r.Forget(id)
	}
	r.seq++
	p := &pending{id: id, tick: at, hash: hash, order: r.seq}
	r.byID[id] = p
	q := r.byHash[hash]
	r.byHash[hash] = append(q, p)
	if len(q) > 0 {
		telemetry.AmbiguousPreSpawns.Inc()
		r.logger.Printf("warning: pre-spawn hash %016x shared by %d unconfirmed entities, pairing in creation order", hash, len(q)+1)
		return eris.Wrapf(ErrAmbiguousPreSpawn, "entity %d hash %016x", id, hash)
	}
	return nil
}

// Match pops the oldest unconfirmed spawn registered under hash.
func (r *Reconciler) Match(hash uint64) (entity.ID, bool) {
	q := r.byHash[hash]
	if len(q) == 0 {
		return 0, false
	}
	p := q[0]
	r.dequeue(p)
	telemetry.PreSpawnMatches.Inc()
	return p.id, true
}

// Expire removes and returns spawns older than the timeout, oldest first.
func (r *Reconciler) Expire(now tick.Tick) []entity.ID {
	var stale []*pending
	for _, p := range r.byID {
		if now.Diff(p.tick) > int32(r.cfg.Timeout) {
			stale = append(stale, p)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].order < stale[j].order })

	out := make([]entity.ID, 0, len(stale))
	for _, p := range stale {
		r.dequeue(p)
		telemetry.PreSpawnOrphans.Inc()
		out = append(out, p.id)
	}
	return out
}

// Forget drops a spawn without matching it, e.g. when the simulation
// destroyed it locally.
func (r *Reconciler) Forget(id entity.ID) {
	if p, ok := r.byID[id]; ok {
		r.dequeue(p)
	}
}

// Timeout returns the expiry window in ticks.
func (r *Reconciler) Timeout() int { return r.cfg.Timeout }

// SetTimeout changes the expiry window for every pending spawn.
func (r *Reconciler) SetTimeout(ticks int) {
	if ticks <= 0 {
		ticks = DefaultConfig().Timeout
	}
	r.cfg.Timeout = ticks
}

// Pending returns the number of unconfirmed spawns.
func (r *Reconciler) Pending() int { return len(r.byID) }

// Clear drops everything.
func (r *Reconciler) Clear() {
	r.byHash = make(map[uint64][]*pending)
	r.byID = make(map[entity.ID]*pending)
}

func (r *Reconciler) dequeue(p *pending) {
	delete(r.byID, p.id)
	q := r.byHash[p.hash]
	for i, o := range q {
		if o == p {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(r.byHash, p.hash)
	} else {
		r.byHash[p.hash] = q
	}
}
