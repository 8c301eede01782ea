package diff

import (
	"math/rand"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phase uint8

const (
	phaseIdle phase = iota
	phaseCharging
)

const kindPhase Kind = 100

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, DefaultTolerance))
	require.NoError(t, Register(r, kindPhase, "phase", DiscreteFuncs[phase]()))
	return r
}

func TestRoundTripLaw(t *testing.T) {
	r := newTestRegistry(t)
	rng := rand.New(rand.NewSource(7))
	val := func(k Kind) any {
		f := func() float64 { return rng.Float64()*2000 - 1000 }
		switch k {
		case KindPosition, KindVelocity:
			return Vec2{f(), f()}
		case KindRotation:
			return Rotation(f())
		case KindAngularVelocity:
			return f()
		default:
			return phase(rng.Intn(2))
		}
	}

	for _, k := range r.Kinds() {
		for i := 0; i < 200; i++ {
			a, b := val(k), val(k)
			d, err := r.Diff(k, a, b)
			require.NoError(t, err)
			got, err := r.Apply(k, a, d)
			require.NoError(t, err)
			assert.True(t, r.Equal(k, got, b), "kind %s: apply(%v, diff) = %v, want %v", r.Name(k), a, got, b)
		}
	}
}

func TestRotationShortestPath(t *testing.T) {
	assert.InDelta(t, 20, ShortestAngle(170, -170), 1e-9)
	assert.InDelta(t, -20, ShortestAngle(-170, 170), 1e-9)
	assert.InDelta(t, 180, ShortestAngle(0, 180), 1e-9)
	assert.InDelta(t, 180, ShortestAngle(0, -180), 1e-9, "range is (-180, 180]")
	assert.InDelta(t, 10, ShortestAngle(355, 5), 1e-9)

	mid := LerpRotation(170, -170, 0.5)
	assert.InDelta(t, 180, float64(mid), 1e-9)
}

func TestLerpEndpointsExact(t *testing.T) {
	r := newTestRegistry(t)
	start, end := Vec2{0.1, 0.2}, Vec2{0.3, 0.7}

	v, err := r.Lerp(KindPosition, start, end, 0)
	require.NoError(t, err)
	assert.Equal(t, start, v)
	v, err = r.Lerp(KindPosition, start, end, 1)
	require.NoError(t, err)
	assert.Equal(t, end, v)

	v, err = r.Lerp(KindPosition, Vec2{0, 0}, Vec2{10, -10}, 0.25)
	require.NoError(t, err)
	assert.Equal(t, Vec2{2.5, -2.5}, v)
}

func TestDiscreteHoldsUntilEnd(t *testing.T) {
	r := newTestRegistry(t)
	assert.False(t, r.HasLerp(kindPhase))

	v, err := r.Lerp(kindPhase, phaseIdle, phaseCharging, 0.9)
	require.NoError(t, err)
	assert.Equal(t, phaseIdle, v)
	v, err = r.Lerp(kindPhase, phaseIdle, phaseCharging, 1)
	require.NoError(t, err)
	assert.Equal(t, phaseCharging, v)

	d, err := r.Diff(kindPhase, phaseIdle, phaseCharging)
	require.NoError(t, err)
	assert.Equal(t, phaseCharging, d, "degenerate delta is the full value")
}

func TestRegistryErrors(t *testing.T) {
	r := newTestRegistry(t)

	err := Register(r, KindPosition, "dup", Vec2Funcs(0))
	assert.True(t, eris.Is(err, ErrDuplicateKind))

	err = Register(r, 55, "broken", Funcs[int, int]{})
	assert.True(t, eris.Is(err, ErrIncomplete))

	_, err = r.Diff(999, 1, 2)
	assert.True(t, eris.Is(err, ErrUnknownKind))

	_, err = r.Diff(KindPosition, Vec2{}, Rotation(3))
	assert.True(t, eris.Is(err, ErrTypeMismatch))
}

func TestEncodeDecode(t *testing.T) {
	r := newTestRegistry(t)

	raw, err := r.Encode(KindRotation, Rotation(-45.5))
	require.NoError(t, err)
	v, err := r.Decode(KindRotation, raw)
	require.NoError(t, err)
	assert.Equal(t, Rotation(-45.5), v)

	raw, err = r.Encode(KindPosition, Vec2{1, 2})
	require.NoError(t, err)
	d, err := r.DecodeDelta(KindPosition, raw)
	require.NoError(t, err)
	assert.Equal(t, Vec2{1, 2}, d)
}

func TestSnapshotEqualAndLerp(t *testing.T) {
	r := newTestRegistry(t)
	a := Snapshot{KindPosition: Vec2{0, 0}, KindRotation: Rotation(350), kindPhase: phaseIdle}
	b := Snapshot{KindPosition: Vec2{0.001, 0}, KindRotation: Rotation(-10.001), kindPhase: phaseIdle}
	assert.True(t, r.SnapshotEqual(a, b), "within tolerance")

	b[kindPhase] = phaseCharging
	assert.False(t, r.SnapshotEqual(a, b))
	delete(b, kindPhase)
	assert.False(t, r.SnapshotEqual(a, b), "kind sets differ")

	end := Snapshot{KindPosition: Vec2{10, 0}, KindRotation: Rotation(10), kindPhase: phaseCharging}
	mid, err := r.SnapshotLerp(a, end, 0.5)
	require.NoError(t, err)
	assert.Equal(t, Vec2{5, 0}, mid[KindPosition])
	assert.InDelta(t, 0, float64(mid[KindRotation].(Rotation)), 1e-9)
	assert.Equal(t, phaseIdle, mid[kindPhase])

	clone := a.Clone()
	clone[KindPosition] = Vec2{9, 9}
	assert.Equal(t, Vec2{0, 0}, a[KindPosition])
	assert.Equal(t, []Kind{KindPosition, KindRotation, kindPhase}, a.Kinds())
}
