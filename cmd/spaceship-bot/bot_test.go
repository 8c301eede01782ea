package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"spaceship-netsync/diff"
	"spaceship-netsync/ship"
)

func TestBotStaysInWorld(t *testing.T) {
	b := newBot(rand.New(rand.NewSource(3)))
	s := ship.NewShip(diff.Vec2{X: 100, Y: 100})
	fired := 0
	for i := 0; i < 1000; i++ {
		in := b.input(s, 0)
		assert.GreaterOrEqual(t, in.TargetX, 0.0)
		assert.Less(t, in.TargetX, ship.WorldWidth)
		assert.GreaterOrEqual(t, in.TargetY, 0.0)
		assert.Less(t, in.TargetY, ship.WorldHeight)
		if in.Fire {
			fired++
		}
	}
	assert.Greater(t, fired, 0)
	assert.Less(t, fired, 200)
}

func TestBotRetargetsOnArrival(t *testing.T) {
	b := newBot(rand.New(rand.NewSource(5)))
	first := b.target
	b.input(ship.NewShip(first), 0)
	assert.NotEqual(t, first, b.target)
}
