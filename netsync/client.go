package netsync

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/history"
	"spaceship-netsync/interpolation"
	"spaceship-netsync/prediction"
	"spaceship-netsync/prespawn"
	"spaceship-netsync/replication"
	"spaceship-netsync/telemetry"
	"spaceship-netsync/tick"
	"spaceship-netsync/transport"
)

// ClientConfig holds client runtime settings.
type ClientConfig struct {
	TickRate int
	// SendInterval is the server's batch interval in ticks; it sizes the
	// interpolation delay.
	SendInterval  int
	Prediction    prediction.Config
	Interpolation interpolation.Config
	PreSpawn      prespawn.Config
	// ConfirmedCapacity bounds the confirmed values kept per component as
	// delta bases.
	ConfirmedCapacity int
	// InputRedundancy is how many recent input frames each input message
	// repeats.
	InputRedundancy int
	// AheadMargin is added to the RTT when choosing how far past the
	// server's tick to run.
	AheadMargin int
	HashKinds   []diff.Kind
	Logger      *log.Logger
}

// DefaultClientConfig matches the default server at 60 Hz.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TickRate:          tick.DefaultTickRate,
		SendInterval:      tick.DefaultTickRate / tick.DefaultSendRate,
		Prediction:        prediction.DefaultConfig(),
		Interpolation:     interpolation.DefaultConfig(),
		PreSpawn:          prespawn.DefaultConfig(),
		ConfirmedCapacity: 128,
		InputRedundancy:   3,
		AheadMargin:       2,
	}
}

// Client mirrors the server world: entities it owns are predicted, the rest
// are interpolated. I is the simulation's input type. Step must be called
// from a single goroutine.
type Client[I any] struct {
	cfg    ClientConfig
	logger *log.Logger
	reg    *diff.Registry
	tr     transport.Transport
	clock  *tick.Clock
	codec  replication.Codec
	encode func(I) ([]byte, error)
	events Events

	store     *entity.Store
	toLocal   map[entity.ID]entity.ID
	toRemote  map[entity.ID]entity.ID
	confirmed map[replication.Key]*history.Buffer[any]
	resources map[diff.Kind]any

	predict   *prediction.Engine[diff.Snapshot, I]
	interp    *interpolation.Engine[diff.Snapshot]
	prespawns *prespawn.Reconciler

	inputFn      func(entity.ID, tick.Tick) (I, bool)
	frames       map[entity.ID][]replication.InputFrame
	afterPredict []func(tick.Tick)

	self      entity.PeerID
	welcomed  bool
	ahead     tick.Tick
	rtt       time.Duration
	lastBatch tick.Tick
	hasBatch  bool

	// floors for the RTT-driven sizes
	baseDelay    int
	minHistory   int
	minTimeout   int
	confirmedCap int
}

// NewClient creates a client over tr. sim must be the same deterministic
// simulation the server runs; encode serializes inputs for the server.
func NewClient[I any](cfg ClientConfig, reg *diff.Registry, sim prediction.Simulator[diff.Snapshot, I],
	encode func(I) ([]byte, error), tr transport.Transport, clock *tick.Clock) *Client[I] {
	def := DefaultClientConfig()
	if cfg.ConfirmedCapacity < 2 {
		cfg.ConfirmedCapacity = def.ConfirmedCapacity
	}
	if cfg.InputRedundancy < 1 {
		cfg.InputRedundancy = def.InputRedundancy
	}
	if cfg.SendInterval < 1 {
		cfg.SendInterval = def.SendInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Prediction.Logger == nil {
		cfg.Prediction.Logger = logger
	}
	if cfg.Interpolation.Logger == nil {
		cfg.Interpolation.Logger = logger
	}
	if cfg.PreSpawn.Logger == nil {
		cfg.PreSpawn.Logger = logger
	}

	c := &Client[I]{
		cfg:       cfg,
		logger:    logger,
		reg:       reg,
		tr:        tr,
		clock:     clock,
		encode:    encode,
		store:     entity.NewStore(),
		toLocal:   make(map[entity.ID]entity.ID),
		toRemote:  make(map[entity.ID]entity.ID),
		confirmed: make(map[replication.Key]*history.Buffer[any]),
		resources: make(map[diff.Kind]any),
		frames:    make(map[entity.ID][]replication.InputFrame),
		prespawns: prespawn.NewReconciler(cfg.PreSpawn),
	}
	c.predict = prediction.New[diff.Snapshot, I](cfg.Prediction, sim, reg.SnapshotEqual)
	c.predict.SetClone(diff.Snapshot.Clone)
	c.predict.OnRollback(c.events.rollback)
	c.minHistory = c.predict.Capacity()
	c.minTimeout = c.prespawns.Timeout()
	c.confirmedCap = cfg.ConfirmedCapacity

	c.baseDelay = interpolation.DelayTicks(cfg.Interpolation, cfg.SendInterval)
	c.interp = interpolation.New[diff.Snapshot](cfg.Interpolation, c.baseDelay, reg.SnapshotLerp)
	c.interp.OnDespawn(func(id entity.ID) {
		c.store.Remove(id)
		c.events.despawned(id)
	})

	tr.SetTickSource(clock.Now)
	return c
}

// Events returns the lifecycle notifications.
func (c *Client[I]) Events() *Events { return &c.events }

// Peer returns the id the server assigned, once welcomed.
func (c *Client[I]) Peer() (entity.PeerID, bool) { return c.self, c.welcomed }

// Ahead returns how many ticks past the newest server tick it can have heard
// of the client runs: the RTT plus AheadMargin.
func (c *Client[I]) Ahead() tick.Tick { return c.ahead }

// HistoryCapacity returns the per-entity prediction history length.
func (c *Client[I]) HistoryCapacity() int { return c.predict.Capacity() }

// InterpolationDelay returns how many ticks behind the local tick remote
// entities render.
func (c *Client[I]) InterpolationDelay() int { return c.interp.Delay() }

// OnInput installs the input source polled each tick for every entity this
// client controls.
func (c *Client[I]) OnInput(fn func(id entity.ID, at tick.Tick) (I, bool)) { c.inputFn = fn }

// AfterPredict runs fn each tick right after prediction, once per tick and
// never during replay. It is where speculative spawns belong.
func (c *Client[I]) AfterPredict(fn func(at tick.Tick)) {
	c.afterPredict = append(c.afterPredict, fn)
}

// IDs lists local entities, ascending.
func (c *Client[I]) IDs() []entity.ID { return c.store.IDs() }

// Record returns a local entity.
func (c *Client[I]) Record(id entity.ID) (*entity.Record, bool) { return c.store.Get(id) }

// Remote returns the server id of a local entity.
func (c *Client[I]) Remote(id entity.ID) (entity.ID, bool) {
	r, ok := c.toRemote[id]
	return r, ok
}

// Owned lists the predicted entities the server spawned for this client and
// that take its input.
func (c *Client[I]) Owned() []entity.ID {
	var out []entity.ID
	c.store.Each(func(r *entity.Record) {
		if r.Role == entity.Predicted && r.Owner == c.self && !r.PreSpawned {
			out = append(out, r.ID)
		}
	})
	return out
}

// Predicted lists predicted entities, ascending.
func (c *Client[I]) Predicted() []entity.ID {
	var out []entity.ID
	c.store.Each(func(r *entity.Record) {
		if r.Role == entity.Predicted {
			out = append(out, r.ID)
		}
	})
	return out
}

// State returns what to render for id: the newest prediction or the
// interpolated value.
func (c *Client[I]) State(id entity.ID) (diff.Snapshot, bool) {
	r, ok := c.store.Get(id)
	if !ok {
		return nil, false
	}
	if r.Role == entity.Predicted {
		return c.predict.State(id)
	}
	v, ok := c.interp.Value(id)
	if !ok {
		return nil, false
	}
	// components removed on the server stop rendering right away
	out := make(diff.Snapshot, len(v))
	for k, val := range v {
		if _, live := r.Components[k]; live {
			out[k] = val
		}
	}
	return out, true
}

// Resource returns a replicated world-level value.
func (c *Client[I]) Resource(kind diff.Kind) (any, bool) {
	v, ok := c.resources[kind]
	return v, ok
}

// SpawnPreSpawned creates a speculative predicted entity at tick at. It is
// promoted when the server spawns a matching entity and despawned if none
// arrives in time. An ambiguous hash is reported but the entity still exists.
func (c *Client[I]) SpawnPreSpawned(at tick.Tick, snap diff.Snapshot) (entity.ID, error) {
	h, err := prespawn.Hash(c.reg, at, snap, c.cfg.HashKinds...)
	if err != nil {
		return 0, err
	}
	r := c.store.Spawn(entity.Predicted, at, snap.Clone())
	r.Owner = c.self
	r.Speculative = true
	r.PreSpawned = true
	r.PreSpawnHash, r.HashSet = h, true
	c.predict.Add(r.ID, at, snap)
	c.events.spawned(r.ID)
	return r.ID, c.prespawns.Register(r.ID, at, h)
}

// Run steps the client on clock until ctx is done.
func (c *Client[I]) Run(ctx context.Context) {
	c.clock.Run(ctx, func(at tick.Tick) {
		if err := c.Step(at); err != nil {
			c.logger.Printf("tick %d: %v", at, err)
		}
	})
}

// Step runs one client tick: apply what the server sent, collect input,
// predict, render interpolated entities, expire unmatched pre-spawns and
// send input. The welcome message may move the clock forward, in which case
// the step runs at the new tick.
func (c *Client[I]) Step(at tick.Tick) error {
	at = c.drain(at)
	if !c.welcomed {
		return nil
	}
	at = c.retune(at)

	if !at.After(c.predict.Tick()) {
		// the server got ahead of us, e.g. after a stall
		c.clock.SnapTo(c.predict.Tick() + c.ahead + 1)
		c.logger.Printf("client behind server at tick %d, resynced to %d", at, c.clock.Now())
		at = c.clock.Now()
	}

	c.collectInputs(at)
	err := c.predict.Step(at)
	for _, fn := range c.afterPredict {
		fn(at)
	}
	c.interp.Step(at)
	c.expire(at)
	c.sendInputs(at)
	return err
}

// Close drops the connection and everything replicated over it.
func (c *Client[I]) Close() error {
	err := c.tr.Close()
	c.reset()
	return err
}

func (c *Client[I]) drain(at tick.Tick) tick.Tick {
	for {
		p, ok := c.tr.TryReceive()
		if !ok {
			return at
		}
		switch p.Event {
		case transport.EventConnected:
			// wait for the welcome
		case transport.EventClosed:
			if c.welcomed {
				peer := c.self
				c.reset()
				c.logger.Printf("disconnected from server")
				c.events.disconnected(peer)
			}
		default:
			m, err := c.codec.Decode(p.Payload)
			if err != nil {
				c.logger.Printf("server: %v", err)
				continue
			}
			switch m.Type {
			case replication.MsgWelcome:
				c.welcome(m.Welcome)
				if now := c.clock.Now(); now.After(at) {
					at = now
				}
			case replication.MsgBatch:
				if c.welcomed {
					c.applyBatch(m.Batch)
				}
			default:
				c.logger.Printf("server: unexpected message type %d", m.Type)
			}
		}
	}
}

func (c *Client[I]) welcome(w *replication.Welcome) {
	c.self, c.welcomed = w.Peer, true
	c.rtt = c.tr.RTT(transport.ServerPeer)
	c.ahead = tick.AheadTicks(c.rtt, tick.DurationFor(c.cfg.TickRate), c.cfg.AheadMargin)
	c.clock.SnapTo(w.Tick + c.ahead)
	c.resize()
	c.logger.Printf("joined as peer %d at server tick %d, running %d ticks ahead (rtt %v)", w.Peer, w.Tick, c.ahead, c.rtt)
	c.events.connected(w.Peer)
}

// retune follows the RTT estimate after the welcome. A longer round trip
// moves the clock forward so inputs keep arriving in time; a shorter one
// keeps the lead, since the clock never runs backwards. Returns the tick to
// step at.
func (c *Client[I]) retune(at tick.Tick) tick.Tick {
	rtt := c.tr.RTT(transport.ServerPeer)
	if rtt == c.rtt {
		return at
	}
	c.rtt = rtt
	if want := tick.AheadTicks(rtt, tick.DurationFor(c.cfg.TickRate), c.cfg.AheadMargin); want > c.ahead {
		c.clock.SnapTo(c.clock.Now() + want - c.ahead)
		c.logger.Printf("rtt now %v, running %d ticks ahead instead of %d", rtt, want, c.ahead)
		c.ahead = want
		at = c.clock.Now()
	}
	c.resize()
	return at
}

// resize fits the buffers to the current RTT and lead. A correction for tick
// t lands about a lead plus a send interval after t, so prediction history
// and the pre-spawn timeout cover that window. Remote entities render the
// lead plus the base delay behind the local tick, i.e. the base delay behind
// the newest batch.
func (c *Client[I]) resize() {
	window := tick.HistoryCapacity(c.rtt, tick.DurationFor(c.cfg.TickRate), c.cfg.AheadMargin+2*c.cfg.SendInterval)
	c.predict.SetCapacity(max(c.minHistory, window))
	c.interp.SetDelay(c.baseDelay + int(c.ahead))
	c.prespawns.SetTimeout(max(c.minTimeout, window))

	if n := max(c.cfg.ConfirmedCapacity, window); n != c.confirmedCap {
		c.confirmedCap = n
		for _, buf := range c.confirmed {
			buf.Resize(n)
		}
	}
}

func (c *Client[I]) applyBatch(b *replication.Batch) {
	if c.hasBatch && !b.Tick.After(c.lastBatch) {
		telemetry.OutOfOrderTicks.WithLabelValues("batch").Inc()
		c.logger.Printf("dropped batch %d for tick %d, already applied tick %d", b.Seq, b.Tick, c.lastBatch)
		return
	}
	if err := replication.CheckOrder(*b); err != nil {
		c.logger.Printf("dropped batch %d: %v", b.Seq, err)
		return
	}
	c.lastBatch, c.hasBatch = b.Tick, true

	var touched []entity.ID
	seen := make(map[entity.ID]bool)
	touch := func(id entity.ID) {
		if !seen[id] {
			seen[id] = true
			touched = append(touched, id)
		}
	}

	failed := 0
	for _, r := range b.Records {
		var err error
		switch r.Kind {
		case replication.RecordSpawn:
			c.spawn(r)
		case replication.RecordUpdate:
			var id entity.ID
			if id, err = c.update(r, b.Tick); err == nil {
				touch(id)
			}
		case replication.RecordResource:
			err = c.resource(r, b.Tick)
		case replication.RecordRemove:
			if id, ok := c.removeComponent(r); ok {
				touch(id)
			}
		case replication.RecordDespawn:
			c.despawn(r.Entity)
		}
		if err != nil {
			failed++
			c.logger.Printf("batch %d %s entity %d kind %d: %v", b.Seq, r.Kind, r.Entity, r.Component, err)
		}
	}

	for _, id := range touched {
		c.confirm(id, b.Tick)
	}

	if failed > 0 {
		// unacked, the server keeps diffing against bases this client still holds
		c.logger.Printf("batch %d: %d records failed, not acking", b.Seq, failed)
		return
	}
	ack, err := c.codec.EncodeAck(c.clock.Now(), replication.Ack{Seq: b.Seq})
	if err == nil {
		err = c.tr.Send(transport.ServerPeer, ack)
	}
	if err != nil {
		c.logger.Printf("ack batch %d: %v", b.Seq, err)
	}
}

func (c *Client[I]) spawn(r replication.Record) {
	if _, known := c.toLocal[r.Entity]; known {
		return
	}
	if r.HasHash && r.Owner == c.self {
		if local, ok := c.prespawns.Match(r.PreSpawnHash); ok {
			if rec, alive := c.store.Get(local); alive {
				rec.Promote()
				rec.Components = make(diff.Snapshot)
				c.link(r.Entity, local)
				c.events.promoted(local, r.Entity)
				return
			}
		}
	}

	role := entity.Interpolated
	if r.Owner == c.self {
		role = entity.Predicted
	}
	rec := c.store.Spawn(role, r.SpawnTick, nil)
	rec.Owner = r.Owner
	rec.PreSpawned = r.HasHash
	rec.PreSpawnHash, rec.HashSet = r.PreSpawnHash, r.HasHash
	c.link(r.Entity, rec.ID)
	c.events.spawned(rec.ID)
}

func (c *Client[I]) link(remote, local entity.ID) {
	c.toLocal[remote] = local
	c.toRemote[local] = remote
}

// value decodes a record's payload, applying deltas to the confirmed base
// they reference.
func (c *Client[I]) value(r replication.Record) (any, error) {
	if !r.Delta {
		return c.reg.Decode(r.Component, r.Payload)
	}
	key := replication.Key{Entity: r.Entity, Kind: r.Component}
	var (
		base any
		ok   bool
	)
	if buf := c.confirmed[key]; buf != nil {
		base, ok = buf.Get(r.BaseTick)
	}
	if !ok {
		return nil, eris.Wrapf(replication.ErrMissingBase, "base tick %d", r.BaseTick)
	}
	d, err := c.reg.DecodeDelta(r.Component, r.Payload)
	if err != nil {
		return nil, err
	}
	return c.reg.Apply(r.Component, base, d)
}

func (c *Client[I]) remember(key replication.Key, at tick.Tick, v any) {
	buf, ok := c.confirmed[key]
	if !ok {
		buf = history.New[any](c.confirmedCap)
		c.confirmed[key] = buf
	}
	if err := buf.Push(at, v); err != nil {
		c.logger.Printf("confirmed entity %d kind %d: %v", key.Entity, key.Kind, err)
	}
}

func (c *Client[I]) update(r replication.Record, at tick.Tick) (entity.ID, error) {
	local, ok := c.toLocal[r.Entity]
	if !ok {
		return 0, eris.Wrap(replication.ErrNoEntity, "update before spawn")
	}
	rec, ok := c.store.Get(local)
	if !ok {
		return 0, eris.Wrap(replication.ErrNoEntity, "local entity gone")
	}
	v, err := c.value(r)
	if err != nil {
		return 0, err
	}
	c.remember(replication.Key{Entity: r.Entity, Kind: r.Component}, at, v)
	rec.Components[r.Component] = v
	return local, nil
}

func (c *Client[I]) resource(r replication.Record, at tick.Tick) error {
	v, err := c.value(r)
	if err != nil {
		return err
	}
	c.remember(replication.Key{Kind: r.Component}, at, v)
	c.resources[r.Component] = v
	return nil
}

func (c *Client[I]) removeComponent(r replication.Record) (entity.ID, bool) {
	local, ok := c.toLocal[r.Entity]
	if !ok {
		return 0, false
	}
	rec, ok := c.store.Get(local)
	if !ok {
		return 0, false
	}
	delete(rec.Components, r.Component)
	delete(c.confirmed, replication.Key{Entity: r.Entity, Kind: r.Component})
	return local, true
}

func (c *Client[I]) despawn(remote entity.ID) {
	local, ok := c.toLocal[remote]
	if !ok {
		return
	}
	delete(c.toLocal, remote)
	delete(c.toRemote, local)
	delete(c.frames, local)
	for k := range c.confirmed {
		if k.Entity == remote {
			delete(c.confirmed, k)
		}
	}

	rec, ok := c.store.Get(local)
	if !ok {
		return
	}
	if rec.Role == entity.Interpolated && c.interp.Has(local) {
		// keep rendering until the buffered snapshots run out
		rec.Despawning = true
		c.interp.MarkDespawned(local)
		return
	}
	c.predict.Remove(local)
	c.interp.Remove(local)
	c.prespawns.Forget(local)
	c.store.Remove(local)
	c.events.despawned(local)
}

// confirm hands an entity's confirmed state for tick at to prediction or
// interpolation.
func (c *Client[I]) confirm(id entity.ID, at tick.Tick) {
	rec, ok := c.store.Get(id)
	if !ok || rec.Despawning {
		return
	}
	switch rec.Role {
	case entity.Predicted:
		if !c.predict.Has(id) {
			c.predict.Add(id, at, rec.Components)
			return
		}
		if _, err := c.predict.Reconcile(id, at, rec.Components.Clone()); err != nil &&
			!eris.Is(err, prediction.ErrStaleCorrection) {
			c.logger.Printf("reconcile entity %d at tick %d: %v", id, at, err)
		}
	case entity.Interpolated:
		c.interp.Add(id)
		if err := c.interp.Push(id, at, rec.Components.Clone()); err != nil {
			c.logger.Printf("interpolate entity %d at tick %d: %v", id, at, err)
		}
	}
}

func (c *Client[I]) collectInputs(at tick.Tick) {
	if c.inputFn == nil {
		return
	}
	for _, id := range c.Owned() {
		in, ok := c.inputFn(id, at)
		if !ok {
			continue
		}
		if err := c.predict.RecordInput(id, at, in); err != nil {
			c.logger.Printf("record input for entity %d: %v", id, err)
			continue
		}
		raw, err := c.encode(in)
		if err != nil {
			c.logger.Printf("encode input for entity %d: %v", id, err)
			continue
		}
		frames := append(c.frames[id], replication.InputFrame{Tick: at, Payload: raw})
		if n := len(frames) - c.cfg.InputRedundancy; n > 0 {
			frames = frames[n:]
		}
		c.frames[id] = frames
	}
}

func (c *Client[I]) sendInputs(at tick.Tick) {
	ids := make([]entity.ID, 0, len(c.frames))
	for id := range c.frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		remote, ok := c.toRemote[id]
		if !ok {
			continue
		}
		payload, err := c.codec.EncodeInput(at, replication.InputMessage{Entity: remote, Frames: c.frames[id]})
		if err == nil {
			err = c.tr.Send(transport.ServerPeer, payload)
		}
		if err != nil {
			c.logger.Printf("send input for entity %d: %v", id, err)
		}
	}
}

func (c *Client[I]) expire(at tick.Tick) {
	for _, id := range c.prespawns.Expire(at) {
		c.predict.Remove(id)
		c.store.Remove(id)
		c.events.despawned(id)
	}
}

// reset discards every entity and buffer, e.g. after a disconnect.
func (c *Client[I]) reset() {
	c.store = entity.NewStore()
	c.toLocal = make(map[entity.ID]entity.ID)
	c.toRemote = make(map[entity.ID]entity.ID)
	c.confirmed = make(map[replication.Key]*history.Buffer[any])
	c.resources = make(map[diff.Kind]any)
	c.frames = make(map[entity.ID][]replication.InputFrame)
	c.predict.Clear()
	c.interp.Clear()
	c.prespawns.Clear()
	c.welcomed, c.hasBatch = false, false
	c.self, c.ahead, c.lastBatch, c.rtt = 0, 0, 0, 0
	c.predict.SetCapacity(c.minHistory)
	c.interp.SetDelay(c.baseDelay)
	c.prespawns.SetTimeout(c.minTimeout)
	c.confirmedCap = c.cfg.ConfirmedCapacity
}
