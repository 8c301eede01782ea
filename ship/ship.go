package ship

import (
	"math"
	"math/rand"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/tick"
)

const (
	Radius        = 20.0
	MaxHP         = 100
	Accel         = 600.0 // pixels/s²
	MaxSpeed      = 350.0 // pixels/s
	Friction      = 0.97  // velocity multiplier per tick
	BoostMul      = 1.6
	FireCooldown  = 0.15 // seconds between shots
	WorldWidth    = 4000.0
	WorldHeight   = 4000.0
	TurnSpeed     = 8.0 // radians/s max turn rate
	deadZone      = 50.0
	brakeFriction = 0.95
)

const (
	ProjectileSpeed    = 800.0 // pixels/s
	ProjectileLifetime = 2.0   // seconds
	ProjectileRadius   = 4.0
	ProjectileDamage   = 20
	ProjectileOffset   = 30.0 // spawn distance from ship center
)

// SpawnPoint picks a position in the middle half of the world.
func SpawnPoint(r *rand.Rand) diff.Vec2 {
	return diff.Vec2{
		X: WorldWidth/4 + r.Float64()*WorldWidth/2,
		Y: WorldHeight/4 + r.Float64()*WorldHeight/2,
	}
}

// NewShip returns the spawn snapshot of a ship at pos.
func NewShip(pos diff.Vec2) diff.Snapshot {
	return diff.Snapshot{
		KindClass:         ClassShip,
		diff.KindPosition: pos,
		diff.KindVelocity: diff.Vec2{},
		diff.KindRotation: diff.Rotation(0),
		KindHP:            MaxHP,
		KindCooldown:      0.0,
		KindFired:         false,
		KindScore:         0,
	}
}

func vec(s diff.Snapshot, k diff.Kind) diff.Vec2 {
	v, _ := s[k].(diff.Vec2)
	return v
}

func scalar(s diff.Snapshot, k diff.Kind) float64 {
	v, _ := s[k].(float64)
	return v
}

func radians(s diff.Snapshot) float64 {
	r, _ := s[diff.KindRotation].(diff.Rotation)
	return float64(r) * math.Pi / 180
}

// normalizeAngle wraps a to [-π, π].
func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func wrap(p diff.Vec2) diff.Vec2 {
	if p.X < 0 {
		p.X += WorldWidth
	} else if p.X > WorldWidth {
		p.X -= WorldWidth
	}
	if p.Y < 0 {
		p.Y += WorldHeight
	} else if p.Y > WorldHeight {
		p.Y -= WorldHeight
	}
	return p
}

// StepShip moves a ship one tick toward the pilot's pointer. It returns a
// new snapshot; KindFired is set on the tick a shot leaves the ship.
func StepShip(s diff.Snapshot, in Input, dt float64) diff.Snapshot {
	out := s.Clone()
	pos := vec(s, diff.KindPosition)
	vel := vec(s, diff.KindVelocity)
	rot := radians(s)

	// rotate toward the pointer
	if dx, dy := in.TargetX-pos.X, in.TargetY-pos.Y; dx != 0 || dy != 0 {
		turn := normalizeAngle(math.Atan2(dy, dx) - rot)
		maxTurn := TurnSpeed * dt
		rot += clamp(turn, -maxTurn, maxTurn)
	}

	accel := Accel * dt
	if in.Boost {
		accel *= BoostMul
	}

	// slow down as the pointer approaches the ship
	dist := math.Hypot(in.TargetX-pos.X, in.TargetY-pos.Y)
	thresh := clamp(in.Thresh, 50, 400)
	speedFactor := 1.0
	if dist <= deadZone {
		accel, speedFactor = 0, 0
	} else if dist < thresh {
		speedFactor = (dist - deadZone) / (thresh - deadZone)
		accel *= speedFactor
	}

	vel = vel.Add(diff.Vec2{X: math.Cos(rot) * accel, Y: math.Sin(rot) * accel})

	// brake harder near the pointer so the ship stops instead of coasting
	friction := Friction
	if speedFactor < 1 {
		friction = brakeFriction + speedFactor*(Friction-brakeFriction)
	}
	vel = vel.Scale(friction)

	maxSpd := MaxSpeed
	if in.Boost {
		maxSpd *= BoostMul
	}
	if speed := vel.Len(); speed > maxSpd {
		vel = vel.Scale(maxSpd / speed)
	}

	out[diff.KindPosition] = wrap(pos.Add(vel.Scale(dt)))
	out[diff.KindVelocity] = vel
	out[diff.KindRotation] = diff.Rotation(diff.NormalizeDegrees(rot * 180 / math.Pi))

	cd := scalar(s, KindCooldown)
	if cd > 0 {
		cd = math.Max(0, cd-dt)
	}
	fired := false
	if in.Fire && cd <= 0 {
		cd, fired = FireCooldown, true
	}
	out[KindCooldown] = cd
	out[KindFired] = fired
	return out
}

// Fired reports whether a ship fired on the tick that produced s.
func Fired(s diff.Snapshot) bool {
	f, _ := s[KindFired].(bool)
	return f
}

// NewProjectile returns the spawn snapshot of a shot fired by a ship in
// state s. Server and client derive identical snapshots from identical
// ship states, which is what pre-spawn matching relies on.
func NewProjectile(s diff.Snapshot) diff.Snapshot {
	pos := vec(s, diff.KindPosition)
	vel := vec(s, diff.KindVelocity)
	rot := radians(s)
	dir := diff.Vec2{X: math.Cos(rot), Y: math.Sin(rot)}
	return diff.Snapshot{
		KindClass:         ClassProjectile,
		diff.KindPosition: pos.Add(dir.Scale(ProjectileOffset)),
		diff.KindVelocity: dir.Scale(ProjectileSpeed).Add(vel.Scale(0.3)), // inherit some ship velocity
		diff.KindRotation: s[diff.KindRotation],
		KindLife:          ProjectileLifetime,
	}
}

// StepProjectile moves a projectile one tick. alive is false once its
// lifetime ran out.
func StepProjectile(s diff.Snapshot, dt float64) (next diff.Snapshot, alive bool) {
	out := s.Clone()
	pos := vec(s, diff.KindPosition)
	vel := vec(s, diff.KindVelocity)
	out[diff.KindPosition] = wrap(pos.Add(vel.Scale(dt)))
	life := math.Max(0, scalar(s, KindLife)-dt)
	out[KindLife] = life
	return out, life > 0
}

// Simulator steps any entity class. It is pure: spawning projectiles is
// left to the caller, who checks Fired on the result.
type Simulator struct {
	DT float64
}

// NewSimulator steps at the given tick rate.
func NewSimulator(rate int) Simulator {
	return Simulator{DT: tick.DurationFor(rate).Seconds()}
}

// Simulate implements prediction.Simulator.
func (sim Simulator) Simulate(_ entity.ID, s diff.Snapshot, in Input, _ tick.Tick) (diff.Snapshot, error) {
	switch ClassOf(s) {
	case ClassShip:
		return StepShip(s, in, sim.DT), nil
	case ClassProjectile:
		next, _ := StepProjectile(s, sim.DT)
		return next, nil
	}
	return s.Clone(), nil
}
