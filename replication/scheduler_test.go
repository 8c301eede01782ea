package replication

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/prespawn"
	"spaceship-netsync/tick"
)

// mockSender captures sent payloads for testing
type mockSender struct {
	mu   sync.Mutex
	sent map[entity.PeerID][][]byte
	fail bool
}

func (m *mockSender) Send(peer entity.PeerID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("link down")
	}
	if m.sent == nil {
		m.sent = make(map[entity.PeerID][][]byte)
	}
	m.sent[peer] = append(m.sent[peer], payload)
	return nil
}

func (m *mockSender) batches(t *testing.T, peer entity.PeerID) []Batch {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, raw := range m.sent[peer] {
		msg, err := Codec{}.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, MsgBatch, msg.Type)
		out = append(out, *msg.Batch)
	}
	return out
}

const alice entity.PeerID = 1

func setup(t *testing.T, cfg Config) (*Scheduler, *mockSender, *diff.Registry) {
	t.Helper()
	reg := diff.NewRegistry()
	require.NoError(t, diff.RegisterBuiltins(reg, diff.DefaultTolerance))
	out := &mockSender{}
	s := NewScheduler(cfg, reg, NewWorld(), out)
	s.AddPeer(alice)
	return s, out, reg
}

func unlimited() Config {
	cfg := DefaultConfig()
	cfg.BytesPerSecond = 0
	return cfg
}

func kinds(b Batch) []RecordKind {
	out := make([]RecordKind, len(b.Records))
	for i, r := range b.Records {
		out[i] = r.Kind
	}
	return out
}

func TestDefaultStageOrder(t *testing.T) {
	s, _, _ := setup(t, unlimited())
	order, err := s.Table().Order()
	require.NoError(t, err)
	var ids []StageID
	for _, st := range order {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []StageID{
		StagePreSpawnHash,
		StageSimulate,
		StageBufferDespawnsAndRemovals,
		StageBufferEntityUpdates,
		StageBufferComponentUpdates,
		StageBufferResourceUpdates,
		StageSend,
	}, ids)
}

func TestTableRejectsCyclesAndUnknownStages(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Add(Stage{ID: 1, Name: "a", After: []StageID{2}}))
	require.NoError(t, tbl.Add(Stage{ID: 2, Name: "b", After: []StageID{1}}))
	_, err := tbl.Order()
	assert.True(t, eris.Is(err, ErrStageCycle))

	tbl = NewTable()
	require.NoError(t, tbl.Add(Stage{ID: 1, Name: "a", After: []StageID{9}}))
	_, err = tbl.Order()
	assert.True(t, eris.Is(err, ErrUnknownStage))

	assert.True(t, eris.Is(tbl.Add(Stage{ID: 1}), ErrDuplicateStage))
	assert.True(t, eris.Is(tbl.SetRun(7, nil), ErrUnknownStage))
}

func TestUserStageRunsInOrder(t *testing.T) {
	s, _, _ := setup(t, unlimited())
	var trace []string
	s.SetSimulate(func(tick.Tick) error { trace = append(trace, "simulate"); return nil })
	require.NoError(t, s.Table().Add(Stage{
		ID: StageUser, Name: "inputs",
		After: []StageID{StagePreSpawnHash},
		Run:   func(tick.Tick) error { trace = append(trace, "inputs"); return nil },
	}))
	// simulate must wait for inputs
	st, _ := s.Table().stages[StageSimulate]
	st.After = append(st.After, StageUser)
	s.Table().dirty = true

	require.NoError(t, s.Run(1))
	assert.Equal(t, []string{"inputs", "simulate"}, trace)
}

func TestSpawnThenDeltaAgainstAckedValue(t *testing.T) {
	s, out, reg := setup(t, unlimited())
	w := s.World()
	e := w.Spawn(alice, 1, diff.Snapshot{diff.KindPosition: diff.Vec2{X: 1, Y: 1}}, false)

	require.NoError(t, s.Run(1))
	assert.Empty(t, out.batches(t, alice), "not a send tick")
	require.NoError(t, s.Run(2))

	b := out.batches(t, alice)
	require.Len(t, b, 1)
	assert.Equal(t, []RecordKind{RecordSpawn, RecordUpdate}, kinds(b[0]))
	assert.Equal(t, alice, b[0].Records[0].Owner)
	assert.False(t, b[0].Records[1].Delta, "first send is a full value")

	// unacked: the next change is still sent in full
	require.NoError(t, w.Set(e.ID, diff.KindPosition, diff.Vec2{X: 2, Y: 1}))
	require.NoError(t, s.Run(3))
	require.NoError(t, s.Run(4))
	b = out.batches(t, alice)
	require.Len(t, b, 2)
	assert.False(t, b[1].Records[0].Delta)

	s.Ack(alice, b[1].Seq)
	require.NoError(t, w.Set(e.ID, diff.KindPosition, diff.Vec2{X: 5, Y: 3}))
	require.NoError(t, s.Run(5))
	require.NoError(t, s.Run(6))
	b = out.batches(t, alice)
	require.Len(t, b, 3)
	rec := b[2].Records[0]
	require.True(t, rec.Delta)
	assert.Equal(t, tick.Tick(4), rec.BaseTick)
	delta, err := reg.DecodeDelta(rec.Component, rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, diff.Vec2{X: 3, Y: 2}, delta)
}

func TestUnchangedValuesAreNotResent(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	s.World().Spawn(alice, 1, diff.Snapshot{diff.KindRotation: diff.Rotation(10)}, false)
	for at := tick.Tick(1); at <= 8; at++ {
		require.NoError(t, s.Run(at))
	}
	assert.Len(t, out.batches(t, alice), 1, "empty batches are skipped")
}

func TestSpawnAndDespawnWithinIntervalCancel(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	w := s.World()
	e := w.Spawn(0, 1, diff.Snapshot{diff.KindPosition: diff.Vec2{}}, false)
	require.NoError(t, s.Run(1))
	w.Despawn(e.ID)
	require.NoError(t, s.Run(2))
	assert.Empty(t, out.batches(t, alice))
}

func TestSimulationSeesStepSpawnsAndDespawns(t *testing.T) {
	s, _, _ := setup(t, unlimited())
	w := s.World()
	joined := w.Spawn(alice, 1, diff.Snapshot{}, false)

	var spawned, despawned []entity.ID
	s.SetSimulate(func(at tick.Tick) error {
		if at == 1 {
			w.Spawn(alice, at, diff.Snapshot{}, true)
			w.Despawn(joined.ID)
		}
		for _, r := range w.Spawned() {
			spawned = append(spawned, r.ID)
		}
		for _, r := range w.Despawned() {
			despawned = append(despawned, r.ID)
		}
		return nil
	})

	require.NoError(t, s.Run(1))
	assert.Len(t, spawned, 2, "joined before the step and spawned by it")
	assert.Equal(t, []entity.ID{joined.ID}, despawned)

	require.NoError(t, s.Run(2))
	assert.Len(t, spawned, 2, "cleared at the end of the step")
	assert.Empty(t, w.Spawned())
}

func TestRemovalSeenOffIntervalIsSent(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	w := s.World()
	e := w.Spawn(0, 1, diff.Snapshot{
		diff.KindPosition: diff.Vec2{},
		diff.KindVelocity: diff.Vec2{X: 1},
	}, false)
	require.NoError(t, s.Run(2))

	require.True(t, w.Remove(e.ID, diff.KindVelocity))
	require.NoError(t, s.Run(3)) // off interval; notification cleared after this step
	assert.Empty(t, w.Removed())
	require.NoError(t, s.Run(4))

	b := out.batches(t, alice)
	require.Len(t, b, 2)
	require.Len(t, b[1].Records, 1)
	assert.Equal(t, Record{Kind: RecordRemove, Entity: e.ID, Component: diff.KindVelocity}, b[1].Records[0])
}

func TestRemovalDroppedWhenComponentReturns(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	w := s.World()
	e := w.Spawn(0, 1, diff.Snapshot{diff.KindVelocity: diff.Vec2{X: 1}}, false)
	require.NoError(t, s.Run(2))

	w.Remove(e.ID, diff.KindVelocity)
	require.NoError(t, s.Run(3))
	require.NoError(t, w.Set(e.ID, diff.KindVelocity, diff.Vec2{X: 4}))
	require.NoError(t, s.Run(4))

	b := out.batches(t, alice)
	require.Len(t, b, 2)
	assert.Equal(t, []RecordKind{RecordUpdate}, kinds(b[1]))
}

func TestDespawnDropsSameBatchUpdates(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	w := s.World()
	e := w.Spawn(0, 1, diff.Snapshot{diff.KindPosition: diff.Vec2{}}, false)
	require.NoError(t, s.Run(2))

	require.NoError(t, w.Set(e.ID, diff.KindPosition, diff.Vec2{X: 9}))
	w.Despawn(e.ID)
	require.NoError(t, s.Run(3))
	require.NoError(t, s.Run(4))

	b := out.batches(t, alice)
	require.Len(t, b, 2)
	assert.Equal(t, []Record{{Kind: RecordDespawn, Entity: e.ID}}, b[1].Records)
}

func TestBatchOrderingProperty(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	w := s.World()
	rng := rand.New(rand.NewSource(42))
	comps := []diff.Kind{diff.KindPosition, diff.KindVelocity, diff.KindAngularVelocity}

	for at := tick.Tick(1); at <= 400; at++ {
		ids := w.IDs()
		for n := rng.Intn(4); n > 0; n-- {
			switch op := rng.Intn(5); {
			case op == 0 || len(ids) == 0:
				w.Spawn(0, at, diff.Snapshot{diff.KindPosition: diff.Vec2{X: rng.Float64()}}, false)
			case op == 1:
				w.Despawn(ids[rng.Intn(len(ids))])
			case op == 2:
				w.Remove(ids[rng.Intn(len(ids))], comps[rng.Intn(len(comps))])
			case op == 3:
				k := comps[rng.Intn(len(comps))]
				var v any = diff.Vec2{X: rng.Float64() * 10}
				if k == diff.KindAngularVelocity {
					v = rng.Float64()
				}
				_ = w.Set(ids[rng.Intn(len(ids))], k, v)
			default:
				w.SetResource(diff.KindRotation, diff.Rotation(rng.Float64()*360))
			}
		}
		require.NoError(t, s.Run(at))
		if at%7 == 0 {
			if b := out.batches(t, alice); len(b) > 0 {
				s.Ack(alice, b[len(b)-1].Seq)
			}
		}
	}

	batches := out.batches(t, alice)
	require.NotEmpty(t, batches)
	for _, b := range batches {
		require.NoError(t, CheckOrder(b), "batch %d", b.Seq)
		despawned := make(map[entity.ID]bool)
		for _, r := range b.Records {
			if r.Kind == RecordDespawn {
				despawned[r.Entity] = true
			}
		}
		for _, r := range b.Records {
			if r.Kind == RecordSpawn || r.Kind == RecordUpdate {
				assert.False(t, despawned[r.Entity], "batch %d updates despawned entity %d", b.Seq, r.Entity)
			}
		}
	}
}

func TestLimiterDefersUpdatesNotSpawns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BytesPerSecond, cfg.Burst = 1, 1
	s, out, _ := setup(t, cfg)
	w := s.World()
	e := w.Spawn(0, 1, diff.Snapshot{diff.KindPosition: diff.Vec2{}}, false)
	require.NoError(t, s.Run(2))
	require.Len(t, out.batches(t, alice), 1, "spawns bypass the limiter")

	require.NoError(t, w.Set(e.ID, diff.KindPosition, diff.Vec2{X: 50}))
	require.NoError(t, s.Run(4))
	assert.Len(t, out.batches(t, alice), 1, "update deferred")

	s.peers[alice].limiter = rate.NewLimiter(rate.Inf, 0)
	require.NoError(t, s.Run(6))
	b := out.batches(t, alice)
	require.Len(t, b, 2, "deferred update goes out once bandwidth allows")
	assert.Equal(t, []RecordKind{RecordUpdate}, kinds(b[1]))
}

func TestFailedSendKeepsDespawns(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	w := s.World()
	e := w.Spawn(0, 1, nil, false)
	require.NoError(t, s.Run(2))

	w.Despawn(e.ID)
	out.fail = true
	assert.Error(t, s.Run(2))
	out.fail = false
	require.NoError(t, s.Run(4))

	b := out.batches(t, alice)
	require.Len(t, b, 2)
	assert.Equal(t, []RecordKind{RecordDespawn}, kinds(b[1]))
}

func TestPreSpawnHashUsesSpawnTimeValues(t *testing.T) {
	s, _, reg := setup(t, unlimited())
	w := s.World()
	spawn := diff.Snapshot{diff.KindPosition: diff.Vec2{X: 3, Y: 4}}
	e := w.Spawn(alice, 5, spawn, true)
	s.SetSimulate(func(tick.Tick) error {
		return w.Set(e.ID, diff.KindPosition, diff.Vec2{X: 100})
	})
	require.NoError(t, s.Run(6))

	want, err := prespawn.Hash(reg, 5, spawn)
	require.NoError(t, err)
	assert.True(t, e.HashSet)
	assert.Equal(t, want, e.PreSpawnHash)
}

func TestRemovePeer(t *testing.T) {
	s, out, _ := setup(t, unlimited())
	s.World().Spawn(0, 1, nil, false)
	s.RemovePeer(alice)
	assert.False(t, s.HasPeer(alice))
	require.NoError(t, s.Run(2))
	assert.Empty(t, out.batches(t, alice))
}

func TestAckTrackerKeepsNewestBase(t *testing.T) {
	a := NewAckTracker(2)
	k := Key{Entity: 1, Kind: diff.KindPosition}
	a.Track(1, 10, map[Key]any{k: 1.0})
	a.Track(2, 12, map[Key]any{k: 2.0})
	require.True(t, a.Ack(2))
	require.True(t, a.Ack(1))
	base, ok := a.Base(k)
	require.True(t, ok)
	assert.Equal(t, Acked{Tick: 12, Value: 2.0}, base)

	a.Track(3, 14, map[Key]any{k: 3.0})
	a.Track(4, 16, map[Key]any{k: 4.0})
	a.Track(5, 18, map[Key]any{k: 5.0})
	assert.Equal(t, []uint32{4, 5}, a.Pending())
	assert.False(t, a.Ack(3))

	a.Forget(1)
	_, ok = a.Base(k)
	assert.False(t, ok)
}
