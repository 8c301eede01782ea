package interpolation

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-netsync/entity"
	"spaceship-netsync/history"
	"spaceship-netsync/tick"
)

func lerp(a, b, f float64) (float64, error) { return a*(1-f) + b*f, nil }

const rock entity.ID = 3

func newEngine(t *testing.T, delay int, snaps map[tick.Tick]float64, order ...tick.Tick) *Engine[float64] {
	t.Helper()
	e := New[float64](DefaultConfig(), delay, lerp)
	e.Add(rock)
	for _, at := range order {
		require.NoError(t, e.Push(rock, at, snaps[at]))
	}
	return e
}

func TestDelayTicks(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, DelayTicks(cfg, 2))
	assert.Equal(t, 3, DelayTicks(cfg, 1), "floor")
	cfg.SendIntervalRatio = 1.5
	assert.Equal(t, 5, DelayTicks(cfg, 3))
}

func TestFactorBounds(t *testing.T) {
	for r := tick.Tick(10); r <= 20; r++ {
		f := Factor(r, 10, 20)
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
	}
	assert.Equal(t, 0.0, Factor(10, 10, 20))
	assert.Equal(t, 1.0, Factor(20, 10, 20))
	assert.Equal(t, 0.5, Factor(15, 10, 20))
	assert.Equal(t, 0.0, Factor(5, 10, 10), "degenerate span")
}

func TestInterpolatesBetweenBracket(t *testing.T) {
	e := newEngine(t, 5, map[tick.Tick]float64{10: 0, 20: 100}, 10, 20)

	e.Step(15) // render 10
	v, ok := e.Value(rock)
	require.True(t, ok)
	assert.Equal(t, 0.0, v, "factor 0 is the start snapshot exactly")

	e.Step(20) // render 15
	v, _ = e.Value(rock)
	assert.Equal(t, 50.0, v)

	e.Step(25) // render 20
	v, _ = e.Value(rock)
	assert.Equal(t, 100.0, v, "factor 1 is the end snapshot exactly")
}

func TestHoldsLastKnownValue(t *testing.T) {
	e := newEngine(t, 2, map[tick.Tick]float64{10: 1, 12: 3}, 10, 12)

	e.Step(11) // render 9: before any snapshot
	v, ok := e.Value(rock)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	e.Step(20) // render 18: past the newest
	v, _ = e.Value(rock)
	assert.Equal(t, 3.0, v)
	assert.Equal(t, 1, e.Len(rock), "drained to the newest snapshot")

	e.Step(21)
	v, _ = e.Value(rock)
	assert.Equal(t, 3.0, v)
}

func TestEmptyBufferHasNoValue(t *testing.T) {
	e := New[float64](DefaultConfig(), 2, lerp)
	e.Add(rock)
	e.Step(10)
	_, ok := e.Value(rock)
	assert.False(t, ok)
}

func TestDespawnWaitsForDrain(t *testing.T) {
	e := newEngine(t, 2, map[tick.Tick]float64{10: 0, 12: 2, 14: 4}, 10, 12, 14)
	var despawned []entity.ID
	e.OnDespawn(func(id entity.ID) { despawned = append(despawned, id) })

	e.MarkDespawned(rock)
	for _, now := range []tick.Tick{13, 14, 15, 16} {
		removed := e.Step(now)
		assert.Empty(t, removed, "tick %d", now)
		assert.True(t, e.Has(rock), "still rendering at tick %d", now)
	}
	assert.Equal(t, 1, e.Len(rock))
	v, _ := e.Value(rock)
	assert.Equal(t, 4.0, v)

	removed := e.Step(17)
	assert.Equal(t, []entity.ID{rock}, removed)
	assert.False(t, e.Has(rock))
	assert.Equal(t, []entity.ID{rock}, despawned)
}

func TestPushErrors(t *testing.T) {
	e := newEngine(t, 2, map[tick.Tick]float64{10: 0}, 10)
	assert.True(t, eris.Is(e.Push(rock, 9, 1), history.ErrOutOfOrderTick))
	assert.True(t, eris.Is(e.Push(99, 9, 1), ErrUnknownEntity))
}

func TestSetDelayMovesRenderTick(t *testing.T) {
	e := newEngine(t, 2, map[tick.Tick]float64{10: 0, 20: 100}, 10, 20)

	e.Step(17) // render 15
	v, _ := e.Value(rock)
	assert.Equal(t, 50.0, v)

	e.SetDelay(7)
	assert.Equal(t, 7, e.Delay())
	e.Step(24) // render 17
	v, _ = e.Value(rock)
	assert.InDelta(t, 70.0, v, 1e-9)

	e.SetDelay(40)
	assert.GreaterOrEqual(t, e.cfg.Capacity, 42)
	for at := tick.Tick(21); at <= 60; at++ {
		require.NoError(t, e.Push(rock, at, float64(at)))
	}
	e.Step(80) // render 40
	v, _ = e.Value(rock)
	assert.Equal(t, 40.0, v)
}
