package main

import (
	"math"
	"math/rand"

	"spaceship-netsync/diff"
	"spaceship-netsync/ship"
	"spaceship-netsync/tick"
)

const (
	retargetTicks = 180
	arriveDist    = 150
	fireChance    = 0.05
	boostChance   = 0.3
)

// bot wanders between random waypoints and fires now and then.
type bot struct {
	rng    *rand.Rand
	target diff.Vec2
	boost  bool
	since  int
}

func newBot(rng *rand.Rand) *bot {
	b := &bot{rng: rng}
	b.retarget()
	return b
}

func (b *bot) retarget() {
	b.target = diff.Vec2{X: b.rng.Float64() * ship.WorldWidth, Y: b.rng.Float64() * ship.WorldHeight}
	b.boost = b.rng.Float64() < boostChance
	b.since = 0
}

func (b *bot) input(s diff.Snapshot, _ tick.Tick) ship.Input {
	pos, _ := s[diff.KindPosition].(diff.Vec2)
	b.since++
	if b.since > retargetTicks || math.Hypot(b.target.X-pos.X, b.target.Y-pos.Y) < arriveDist {
		b.retarget()
	}
	return ship.Input{
		TargetX: b.target.X,
		TargetY: b.target.Y,
		Fire:    b.rng.Float64() < fireChance,
		Boost:   b.boost,
		Thresh:  200,
	}
}
