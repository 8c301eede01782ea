package prediction

import (
	"errors"
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-netsync/entity"
	"spaceship-netsync/history"
	"spaceship-netsync/tick"
)

// mover integrates a 1D position: x' = x + input.
type mover struct {
	calls  int
	failAt tick.Tick
}

func (m *mover) Simulate(_ entity.ID, x float64, in float64, at tick.Tick) (float64, error) {
	m.calls++
	if m.failAt != 0 && at == m.failAt {
		return 0, errors.New("boom")
	}
	return x + in, nil
}

func near(a, b float64) bool { return math.Abs(a-b) <= 0.001 }

const ship entity.ID = 7

// predictTen records input i for tick i and steps ticks 1..10 from x=0.
func predictTen(t *testing.T, sim *mover) *Engine[float64, float64] {
	t.Helper()
	e := New[float64, float64](Config{Capacity: 32}, sim, near)
	e.Add(ship, 0, 0)
	for i := 1; i <= 10; i++ {
		require.NoError(t, e.RecordInput(ship, tick.Tick(i), float64(i)))
		require.NoError(t, e.Step(tick.Tick(i)))
	}
	return e
}

func values(entries []history.Entry[float64]) map[tick.Tick]float64 {
	out := make(map[tick.Tick]float64, len(entries))
	for _, e := range entries {
		out[e.Tick] = e.Value
	}
	return out
}

func TestStableStepping(t *testing.T) {
	e := predictTen(t, &mover{})
	got := values(e.History(ship))
	// prefix sums of 1..i
	for i := 1; i <= 10; i++ {
		assert.Equal(t, float64(i*(i+1)/2), got[tick.Tick(i)])
	}
	x, _ := e.State(ship)
	assert.Equal(t, 55.0, x)
	assert.Equal(t, tick.Tick(10), e.Tick())
}

func TestReconcileMatchIsIdempotent(t *testing.T) {
	sim := &mover{}
	e := predictTen(t, sim)
	before := e.History(ship)
	calls := sim.calls

	out, err := e.Reconcile(ship, 5, 15.0005)
	require.NoError(t, err)
	assert.Equal(t, Matched, out)
	assert.Equal(t, before, e.History(ship), "history unchanged")
	assert.Equal(t, calls, sim.calls, "no resimulation")
}

func TestReconcileRollbackResimulates(t *testing.T) {
	sim := &mover{}
	e := predictTen(t, sim)

	var rolled []tick.Tick
	e.OnRollback(func(id entity.ID, at tick.Tick) {
		assert.Equal(t, ship, id)
		rolled = append(rolled, at)
	})

	out, err := e.Reconcile(ship, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, out)
	assert.Equal(t, []tick.Tick{5}, rolled)

	got := values(e.History(ship))
	want := 100.0
	assert.Equal(t, want, got[5])
	for i := 6; i <= 10; i++ {
		want += float64(i)
		assert.Equal(t, want, got[tick.Tick(i)], "tick %d", i)
	}
	// ticks before the correction are untouched
	assert.Equal(t, 10.0, got[4])
	x, _ := e.State(ship)
	assert.Equal(t, want, x)

	// stepping continues from the corrected state
	require.NoError(t, e.RecordInput(ship, 11, 1))
	require.NoError(t, e.Step(11))
	x, _ = e.State(ship)
	assert.Equal(t, want+1, x)
}

func TestReconcileMissingInputReusesLatest(t *testing.T) {
	e := New[float64, float64](Config{Capacity: 16}, &mover{}, near)
	e.Add(ship, 0, 0)
	require.NoError(t, e.RecordInput(ship, 1, 2))
	for i := 1; i <= 4; i++ {
		require.NoError(t, e.Step(tick.Tick(i)))
	}
	x, _ := e.State(ship)
	assert.Equal(t, 8.0, x)

	_, err := e.Reconcile(ship, 2, 0)
	require.NoError(t, err)
	x, _ = e.State(ship)
	assert.Equal(t, 4.0, x)
}

func TestReconcileStaleCorrection(t *testing.T) {
	e := New[float64, float64](Config{Capacity: 4}, &mover{}, near)
	e.Add(ship, 0, 0)
	for i := 1; i <= 10; i++ {
		require.NoError(t, e.Step(tick.Tick(i)))
	}
	before := e.History(ship)

	out, err := e.Reconcile(ship, 3, 42)
	assert.Equal(t, Dropped, out)
	assert.True(t, eris.Is(err, ErrStaleCorrection))
	assert.Equal(t, before, e.History(ship))
}

func TestReconcileServerAhead(t *testing.T) {
	e := predictTen(t, &mover{})

	out, err := e.Reconcile(ship, 15, 7)
	require.NoError(t, err)
	assert.Equal(t, SnappedForward, out)
	assert.Equal(t, tick.Tick(15), e.Tick())
	hist := e.History(ship)
	require.Len(t, hist, 1)
	assert.Equal(t, tick.Tick(15), hist[0].Tick)

	require.NoError(t, e.Step(16))
	x, _ := e.State(ship)
	assert.Equal(t, 17.0, x, "keeps replaying the newest input")
}

func TestReplayFailureForceResyncs(t *testing.T) {
	sim := &mover{}
	e := predictTen(t, sim)
	sim.failAt = 8

	out, err := e.Reconcile(ship, 5, 100)
	assert.Equal(t, Resynced, out)
	assert.True(t, eris.Is(err, ErrReplayDivergence))

	hist := e.History(ship)
	require.Len(t, hist, 1)
	assert.Equal(t, tick.Tick(5), hist[0].Tick)
	x, _ := e.State(ship)
	assert.Equal(t, 100.0, x)
}

func TestStepRejectsRegression(t *testing.T) {
	e := predictTen(t, &mover{})
	err := e.Step(10)
	assert.True(t, eris.Is(err, history.ErrOutOfOrderTick))
}

func TestUnknownEntityAndRemove(t *testing.T) {
	e := predictTen(t, &mover{})
	e.Remove(ship)
	assert.False(t, e.Has(ship))
	_, err := e.Reconcile(ship, 5, 1)
	assert.True(t, eris.Is(err, ErrUnknownEntity))
	assert.True(t, eris.Is(e.RecordInput(ship, 11, 1), ErrUnknownEntity))
}

func TestLateAddedEntityIsNotSteppedTwice(t *testing.T) {
	sim := &mover{}
	e := predictTen(t, sim)
	const bullet entity.ID = 9
	e.Add(bullet, 10, 3)
	require.NoError(t, e.RecordInput(bullet, 11, 1))
	require.NoError(t, e.Step(11))
	x, _ := e.State(bullet)
	assert.Equal(t, 4.0, x)
	assert.Len(t, e.History(bullet), 2)
}

func TestEntityAddedBehindCatchesUp(t *testing.T) {
	sim := &mover{}
	e := predictTen(t, sim)
	const ally entity.ID = 3
	e.Add(ally, 7, 0)
	require.NoError(t, e.RecordInput(ally, 8, 2))
	require.NoError(t, e.Step(11))

	got := values(e.History(ally))
	assert.Equal(t, map[tick.Tick]float64{7: 0, 8: 2, 9: 4, 10: 6, 11: 8}, got)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "rolled_back", RolledBack.String())
	assert.Equal(t, "dropped", Dropped.String())
}

func TestSetCapacityResizesHistory(t *testing.T) {
	e := predictTen(t, &mover{})
	require.Len(t, e.History(ship), 11)

	e.SetCapacity(4)
	assert.Equal(t, 4, e.Capacity())
	h := e.History(ship)
	require.Len(t, h, 4)
	assert.Equal(t, tick.Tick(7), h[0].Tick, "newest ticks kept")

	_, err := e.Reconcile(ship, 5, 0)
	assert.True(t, eris.Is(err, ErrStaleCorrection), "tick 5 fell out of the window")

	e.SetCapacity(40)
	for i := 11; i <= 30; i++ {
		require.NoError(t, e.Step(tick.Tick(i)))
	}
	assert.Len(t, e.History(ship), 24)
	out, err := e.Reconcile(ship, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, out)
}
