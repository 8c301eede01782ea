package diff

import "math"

// Builtin kinds for common continuous quantities.
const (
	KindPosition        Kind = 1
	KindVelocity        Kind = 2
	KindRotation        Kind = 3
	KindAngularVelocity Kind = 4
)

// DefaultTolerance is the per-axis slack used when comparing predicted and
// confirmed continuous values.
const DefaultTolerance = 0.01

// Vec2 is a 2D vector used for positions and velocities.
type Vec2 struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

// Scale returns v * s.
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }

// Len returns the vector length.
func (v Vec2) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y) }

// LerpVec2 interpolates linearly between a and b.
func LerpVec2(a, b Vec2, t float64) Vec2 {
	return Vec2{a.X*(1-t) + b.X*t, a.Y*(1-t) + b.Y*t}
}

// Rotation is an orientation in degrees.
type Rotation float64

// NormalizeDegrees wraps an angle into (-180, 180].
func NormalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

// ShortestAngle returns the signed rotation from a to b along the shortest
// path, in (-180, 180].
func ShortestAngle(a, b Rotation) float64 {
	return NormalizeDegrees(float64(b) - float64(a))
}

// LerpRotation interpolates along the shortest rotational path.
func LerpRotation(a, b Rotation, t float64) Rotation {
	return Rotation(NormalizeDegrees(float64(a) + ShortestAngle(a, b)*t))
}

// Vec2Funcs diffs by subtraction and applies by addition.
func Vec2Funcs(tolerance float64) Funcs[Vec2, Vec2] {
	return Funcs[Vec2, Vec2]{
		Diff:  func(old, new Vec2) Vec2 { return new.Sub(old) },
		Apply: func(base, delta Vec2) Vec2 { return base.Add(delta) },
		Lerp:  LerpVec2,
		Equal: func(a, b Vec2) bool {
			return math.Abs(a.X-b.X) <= tolerance && math.Abs(a.Y-b.Y) <= tolerance
		},
	}
}

// RotationFuncs diffs along the shortest path; applied values are normalized.
func RotationFuncs(tolerance float64) Funcs[Rotation, float64] {
	return Funcs[Rotation, float64]{
		Diff: ShortestAngle,
		Apply: func(base Rotation, delta float64) Rotation {
			return Rotation(NormalizeDegrees(float64(base) + delta))
		},
		Lerp: LerpRotation,
		Equal: func(a, b Rotation) bool {
			return math.Abs(ShortestAngle(a, b)) <= tolerance
		},
	}
}

// ScalarFuncs handles plain continuous scalars such as angular velocity.
func ScalarFuncs(tolerance float64) Funcs[float64, float64] {
	return Funcs[float64, float64]{
		Diff:  func(old, new float64) float64 { return new - old },
		Apply: func(base, delta float64) float64 { return base + delta },
		Lerp:  func(a, b, t float64) float64 { return a*(1-t) + b*t },
		Equal: func(a, b float64) bool { return math.Abs(a-b) <= tolerance },
	}
}

// DiscreteFuncs is the degenerate contract for state without a meaningful
// delta: the delta is the new value and applying it replaces wholesale.
func DiscreteFuncs[T comparable]() Funcs[T, T] {
	return Funcs[T, T]{
		Diff:  func(_, new T) T { return new },
		Apply: func(_, delta T) T { return delta },
		Equal: func(a, b T) bool { return a == b },
	}
}

// RegisterBuiltins registers position, velocity, rotation and angular
// velocity with the given tolerance.
func RegisterBuiltins(r *Registry, tolerance float64) error {
	if err := Register(r, KindPosition, "position", Vec2Funcs(tolerance)); err != nil {
		return err
	}
	if err := Register(r, KindVelocity, "velocity", Vec2Funcs(tolerance)); err != nil {
		return err
	}
	if err := Register(r, KindRotation, "rotation", RotationFuncs(tolerance)); err != nil {
		return err
	}
	return Register(r, KindAngularVelocity, "angular_velocity", ScalarFuncs(tolerance))
}
