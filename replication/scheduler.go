// Package replication decides what state each remote peer needs, diffs it
// against what the peer acknowledged, and sends it as ordered batches on a
// fixed stage table.
package replication

import (
	"log"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/prespawn"
	"spaceship-netsync/telemetry"
	"spaceship-netsync/tick"
)

// Sender delivers an encoded message to a peer.
type Sender interface {
	Send(peer entity.PeerID, payload []byte) error
}

// Config holds scheduler settings.
type Config struct {
	// SendInterval is the number of ticks between batches.
	SendInterval int
	// BytesPerSecond and Burst bound update bandwidth per peer. Zero
	// BytesPerSecond disables the limiter.
	BytesPerSecond int
	Burst          int
	// CompressThreshold is the body size from which batches are lz4
	// compressed.
	CompressThreshold int
	// MaxDeltaAge is the oldest acknowledged base, in ticks, a delta may
	// reference; older bases get a full value.
	MaxDeltaAge int
	// MaxPendingAcks bounds the unacknowledged batches tracked per peer.
	MaxPendingAcks int
	// HashKinds restricts the components that feed pre-spawn hashes.
	HashKinds []diff.Kind
	Logger    *log.Logger
}

// DefaultConfig sends every other tick at 60 Hz.
func DefaultConfig() Config {
	return Config{
		SendInterval:      tick.DefaultTickRate / tick.DefaultSendRate,
		BytesPerSecond:    64 * 1024,
		Burst:             16 * 1024,
		CompressThreshold: 512,
		MaxDeltaAge:       60,
		MaxPendingAcks:    64,
	}
}

// recordOverhead approximates the msgpack framing of one record.
const recordOverhead = 12

type outgoing struct {
	rec       Record
	value     any
	mandatory bool
}

type peerState struct {
	id       entity.PeerID
	known    map[entity.ID]bool
	sent     map[Key]any
	acks     *AckTracker
	limiter  *rate.Limiter
	despawns []entity.ID
	removals []Removal
	out      []outgoing
	seq      uint32
}

// Scheduler runs the per-tick stage table over a World and replicates it to
// every registered peer. Owned by the simulation goroutine.
type Scheduler struct {
	cfg    Config
	reg    *diff.Registry
	world  *World
	sender Sender
	codec  Codec
	table  *Table
	peers  map[entity.PeerID]*peerState
	sim    func(tick.Tick) error
	logger *log.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler with the default stage table.
func NewScheduler(cfg Config, reg *diff.Registry, world *World, sender Sender) *Scheduler {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		reg:    reg,
		world:  world,
		sender: sender,
		codec:  Codec{CompressThreshold: cfg.CompressThreshold},
		peers:  make(map[entity.PeerID]*peerState),
		logger: logger,
		now:    time.Now,
	}
	s.table = defaultTable(s)
	return s
}

// Table exposes the stage table so owners can add their own stages.
func (s *Scheduler) Table() *Table { return s.table }

// World returns the replicated world.
func (s *Scheduler) World() *World { return s.world }

// Codec returns the wire codec in use.
func (s *Scheduler) Codec() Codec { return s.codec }

// SetSimulate installs the owner's simulation step, run by the Simulate
// stage after pre-spawn hashing.
func (s *Scheduler) SetSimulate(fn func(tick.Tick) error) { s.sim = fn }

// IsSendTick reports whether batches go out at tick at.
func (s *Scheduler) IsSendTick(at tick.Tick) bool {
	return uint32(at)%uint32(s.cfg.SendInterval) == 0
}

// AddPeer starts replicating to peer. The peer receives every live entity
// with the next batch.
func (s *Scheduler) AddPeer(id entity.PeerID) {
	var lim *rate.Limiter
	if s.cfg.BytesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = s.cfg.BytesPerSecond
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.BytesPerSecond), burst)
	}
	s.peers[id] = &peerState{
		id:      id,
		known:   make(map[entity.ID]bool),
		sent:    make(map[Key]any),
		acks:    NewAckTracker(s.cfg.MaxPendingAcks),
		limiter: lim,
	}
}

// RemovePeer drops all replication state for peer.
func (s *Scheduler) RemovePeer(id entity.PeerID) {
	delete(s.peers, id)
}

// HasPeer reports whether peer is registered.
func (s *Scheduler) HasPeer(id entity.PeerID) bool {
	_, ok := s.peers[id]
	return ok
}

// Peers lists registered peers, ascending.
func (s *Scheduler) Peers() []entity.PeerID {
	out := make([]entity.PeerID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ack records that peer applied batch seq.
func (s *Scheduler) Ack(peer entity.PeerID, seq uint32) {
	if p, ok := s.peers[peer]; ok {
		p.acks.Ack(seq)
	}
}

// Run executes one tick of the stage table. Stage errors are logged and do
// not stop later stages; the first one is returned.
func (s *Scheduler) Run(at tick.Tick) error {
	order, err := s.table.Order()
	if err != nil {
		return err
	}
	defer s.world.EndStep()

	send := s.IsSendTick(at)
	var first error
	for _, st := range order {
		if st.Run == nil || (st.Cadence == SendInterval && !send) {
			continue
		}
		if err := st.Run(at); err != nil {
			s.logger.Printf("stage %s at tick %d: %v", st.Name, at, err)
			if first == nil {
				first = eris.Wrapf(err, "stage %s", st.Name)
			}
		}
	}
	return first
}

func (s *Scheduler) hashPreSpawned(tick.Tick) error {
	var first error
	s.world.Each(func(r *entity.Record) {
		if err := s.hash(r); err != nil && first == nil {
			first = err
		}
	})
	return first
}

// hash sets the pre-spawn hash of a flagged entity from its current
// components. Entities spawned by the simulation are hashed when their spawn
// is buffered, before any later step changes them.
func (s *Scheduler) hash(r *entity.Record) error {
	if !r.PreSpawned || r.HashSet {
		return nil
	}
	h, err := prespawn.Hash(s.reg, r.SpawnTick, r.Components, s.cfg.HashKinds...)
	if err != nil {
		return err
	}
	r.PreSpawnHash, r.HashSet = h, true
	return nil
}

func (s *Scheduler) simulate(at tick.Tick) error {
	if s.sim == nil {
		return nil
	}
	return s.sim(at)
}

func (s *Scheduler) sortedPeers() []*peerState {
	out := make([]*peerState, 0, len(s.peers))
	for _, id := range s.Peers() {
		out = append(out, s.peers[id])
	}
	return out
}

func (s *Scheduler) bufferDespawnsAndRemovals(tick.Tick) error {
	despawned := s.world.Despawned()
	removed := s.world.Removed()
	for _, p := range s.sortedPeers() {
		for _, r := range despawned {
			if p.known[r.ID] {
				p.despawns = append(p.despawns, r.ID)
			}
		}
		for _, rm := range removed {
			if _, ok := p.sent[Key{rm.Entity, rm.Kind}]; ok {
				p.removals = append(p.removals, rm)
			}
		}
	}
	return nil
}

func (s *Scheduler) bufferEntityUpdates(at tick.Tick) error {
	for _, p := range s.sortedPeers() {
		var err error
		s.world.Each(func(r *entity.Record) {
			if p.known[r.ID] || err != nil {
				return
			}
			if err = s.hash(r); err != nil {
				return
			}
			p.out = append(p.out, outgoing{
				rec: Record{
					Kind:         RecordSpawn,
					Entity:       r.ID,
					Owner:        r.Owner,
					SpawnTick:    r.SpawnTick,
					PreSpawnHash: r.PreSpawnHash,
					HasHash:      r.HashSet,
				},
				mandatory: true,
			})
			// initial values travel with the spawn
			for _, k := range r.Components.Kinds() {
				var o outgoing
				if o, err = s.full(RecordUpdate, Key{r.ID, k}, r.Components[k]); err != nil {
					return
				}
				o.mandatory = true
				p.out = append(p.out, o)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) bufferComponentUpdates(at tick.Tick) error {
	for _, p := range s.sortedPeers() {
		var err error
		s.world.Each(func(r *entity.Record) {
			if !p.known[r.ID] || err != nil {
				return
			}
			for _, k := range r.Components.Kinds() {
				var (
					o       outgoing
					changed bool
				)
				o, changed, err = s.update(p, RecordUpdate, Key{r.ID, k}, r.Components[k], at)
				if err != nil {
					return
				}
				if changed {
					p.out = append(p.out, o)
				}
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) bufferResourceUpdates(at tick.Tick) error {
	for _, p := range s.sortedPeers() {
		for _, k := range s.world.ResourceKinds() {
			v, _ := s.world.Resource(k)
			o, changed, err := s.update(p, RecordResource, Key{0, k}, v, at)
			if err != nil {
				return err
			}
			if changed {
				p.out = append(p.out, o)
			}
		}
	}
	return nil
}

func (s *Scheduler) full(kind RecordKind, k Key, v any) (outgoing, error) {
	raw, err := s.reg.Encode(k.Kind, v)
	if err != nil {
		return outgoing{}, err
	}
	return outgoing{
		rec:   Record{Kind: kind, Entity: k.Entity, Component: k.Kind, Payload: raw},
		value: v,
	}, nil
}

// update builds a record for v if it changed since it was last sent,
// diffed against the peer's acknowledged base when that base is fresh.
func (s *Scheduler) update(p *peerState, kind RecordKind, k Key, v any, at tick.Tick) (outgoing, bool, error) {
	if prev, ok := p.sent[k]; ok && s.reg.Equal(k.Kind, prev, v) {
		return outgoing{}, false, nil
	}
	base, ok := p.acks.Base(k)
	if !ok || at.Diff(base.Tick) > int32(s.cfg.MaxDeltaAge) {
		o, err := s.full(kind, k, v)
		return o, err == nil, err
	}
	delta, err := s.reg.Diff(k.Kind, base.Value, v)
	if err != nil {
		return outgoing{}, false, err
	}
	raw, err := s.reg.Encode(k.Kind, delta)
	if err != nil {
		return outgoing{}, false, err
	}
	return outgoing{
		rec: Record{
			Kind: kind, Entity: k.Entity, Component: k.Kind,
			Payload: raw, Delta: true, BaseTick: base.Tick,
		},
		value: v,
	}, true, nil
}

func (s *Scheduler) send(at tick.Tick) error {
	var first error
	for _, p := range s.sortedPeers() {
		if err := s.sendPeer(p, at); err != nil {
			s.logger.Printf("replicate to peer %d at tick %d: %v", p.id, at, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Scheduler) sendPeer(p *peerState, at tick.Tick) error {
	out := p.out
	p.out = nil

	var (
		records  []Record
		values   = make(map[Key]any)
		deferred int
		now      = s.now()
	)
	for _, o := range out {
		if !o.mandatory && p.limiter != nil && !p.limiter.AllowN(now, len(o.rec.Payload)+recordOverhead) {
			deferred++
			continue
		}
		records = append(records, o.rec)
		if o.value != nil {
			values[Key{o.rec.Entity, o.rec.Component}] = o.value
		}
	}
	if deferred > 0 {
		telemetry.DeferredUpdates.Add(float64(deferred))
	}

	for _, rm := range p.removals {
		r, alive := s.world.Get(rm.Entity)
		if !alive {
			continue // the despawn covers it
		}
		if _, back := r.Components[rm.Kind]; back {
			continue // re-added since; the update stands
		}
		records = append(records, Record{Kind: RecordRemove, Entity: rm.Entity, Component: rm.Kind})
	}
	for _, id := range p.despawns {
		records = append(records, Record{Kind: RecordDespawn, Entity: id})
	}

	records = Order(records)
	if len(records) == 0 {
		p.despawns, p.removals = nil, nil
		return nil
	}

	p.seq++
	batch := Batch{Seq: p.seq, Tick: at, Records: records}
	payload, err := s.codec.EncodeBatch(batch)
	if err != nil {
		return err
	}
	if err := s.sender.Send(p.id, payload); err != nil {
		// spawns and updates are rebuilt next interval; keep the rest
		return err
	}

	tracked := make(map[Key]any)
	for _, r := range records {
		k := Key{r.Entity, r.Component}
		switch r.Kind {
		case RecordSpawn:
			p.known[r.Entity] = true
		case RecordUpdate, RecordResource:
			p.sent[k] = values[k]
			tracked[k] = values[k]
		case RecordRemove:
			delete(p.sent, k)
			p.acks.Forget(r.Entity, r.Component)
		case RecordDespawn:
			delete(p.known, r.Entity)
			for sk := range p.sent {
				if sk.Entity == r.Entity {
					delete(p.sent, sk)
				}
			}
			p.acks.Forget(r.Entity)
		}
	}
	p.acks.Track(batch.Seq, at, tracked)
	p.despawns, p.removals = nil, nil
	return nil
}
