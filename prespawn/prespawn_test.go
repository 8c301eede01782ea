package prespawn

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
)

func registry(t *testing.T) *diff.Registry {
	t.Helper()
	r := diff.NewRegistry()
	require.NoError(t, diff.RegisterBuiltins(r, diff.DefaultTolerance))
	return r
}

func bullet(x, y float64) diff.Snapshot {
	return diff.Snapshot{
		diff.KindPosition: diff.Vec2{X: x, Y: y},
		diff.KindVelocity: diff.Vec2{X: 0, Y: -800},
		diff.KindRotation: diff.Rotation(90),
	}
}

func TestHashDeterministic(t *testing.T) {
	r := registry(t)
	a, err := Hash(r, 40, bullet(10, 20))
	require.NoError(t, err)
	b, err := Hash(r, 40, bullet(10, 20))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, _ := Hash(r, 41, bullet(10, 20))
	assert.NotEqual(t, a, other, "tick is part of the key")
	moved, _ := Hash(r, 40, bullet(10, 21))
	assert.NotEqual(t, a, moved)
}

func TestHashSurvivesWireRoundTrip(t *testing.T) {
	r := registry(t)
	snap := bullet(1.25, -3.5)
	want, err := Hash(r, 7, snap)
	require.NoError(t, err)

	decoded := make(diff.Snapshot)
	for _, k := range snap.Kinds() {
		raw, err := r.Encode(k, snap[k])
		require.NoError(t, err)
		v, err := r.Decode(k, raw)
		require.NoError(t, err)
		decoded[k] = v
	}
	got, err := Hash(r, 7, decoded)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashKindFilter(t *testing.T) {
	r := registry(t)
	snap := bullet(5, 5)
	a, err := Hash(r, 3, snap, diff.KindPosition)
	require.NoError(t, err)

	snap[diff.KindAngularVelocity] = 12.0
	snap[diff.KindVelocity] = diff.Vec2{X: 1}
	b, err := Hash(r, 3, snap, diff.KindPosition)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashUnknownKind(t *testing.T) {
	_, err := Hash(registry(t), 1, diff.Snapshot{99: 1})
	assert.True(t, eris.Is(err, diff.ErrUnknownKind))
}

func TestMatchSingleSpawn(t *testing.T) {
	rc := NewReconciler(DefaultConfig())
	require.NoError(t, rc.Register(5, 10, 0xabc))
	assert.Equal(t, 1, rc.Pending())

	id, ok := rc.Match(0xabc)
	require.True(t, ok)
	assert.Equal(t, entity.ID(5), id)
	assert.Equal(t, 0, rc.Pending())

	_, ok = rc.Match(0xabc)
	assert.False(t, ok, "a spawn matches once")
}

func TestCollisionPairsInCreationOrder(t *testing.T) {
	rc := NewReconciler(DefaultConfig())
	require.NoError(t, rc.Register(8, 10, 0x1))
	err := rc.Register(3, 10, 0x1)
	assert.True(t, eris.Is(err, ErrAmbiguousPreSpawn))
	assert.Equal(t, 2, rc.Pending())

	first, ok := rc.Match(0x1)
	require.True(t, ok)
	second, ok := rc.Match(0x1)
	require.True(t, ok)
	assert.Equal(t, []entity.ID{8, 3}, []entity.ID{first, second})
}

func TestExpireOrphans(t *testing.T) {
	rc := NewReconciler(Config{Timeout: 5})
	require.NoError(t, rc.Register(1, 10, 0xa))
	require.NoError(t, rc.Register(2, 12, 0xb))

	assert.Empty(t, rc.Expire(15))
	assert.Equal(t, []entity.ID{1}, rc.Expire(16))
	assert.Equal(t, 1, rc.Pending())
	_, ok := rc.Match(0xa)
	assert.False(t, ok)
	assert.Equal(t, []entity.ID{2}, rc.Expire(30))
}

func TestSetTimeoutAppliesToPending(t *testing.T) {
	rc := NewReconciler(Config{Timeout: 5})
	require.NoError(t, rc.Register(1, 10, 0xa))
	rc.SetTimeout(20)
	assert.Equal(t, 20, rc.Timeout())
	assert.Empty(t, rc.Expire(30))
	assert.Equal(t, []entity.ID{1}, rc.Expire(31))
}

func TestForget(t *testing.T) {
	rc := NewReconciler(DefaultConfig())
	require.NoError(t, rc.Register(1, 1, 0xa))
	_ = rc.Register(2, 1, 0xa)
	rc.Forget(1)

	id, ok := rc.Match(0xa)
	require.True(t, ok)
	assert.Equal(t, entity.ID(2), id)
	assert.Equal(t, 0, rc.Pending())
}
