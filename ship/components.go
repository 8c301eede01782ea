// Package ship is the spaceship simulation shared by the demo server and
// clients: deterministic movement, firing and projectile flight over
// replicated component snapshots.
package ship

import (
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"

	"spaceship-netsync/diff"
)

// Component kinds beyond the builtin motion kinds.
const (
	KindClass diff.Kind = 16 + iota
	KindHP
	KindCooldown
	KindLife
	KindFired
	KindScore
)

// KindPlayers is the resource holding the connected player count.
const KindPlayers diff.Kind = 32

// Class says what an entity is.
type Class uint8

const (
	ClassShip Class = iota + 1
	ClassProjectile
)

// HashKinds are the spawn-time components that identify a pre-spawned
// projectile.
var HashKinds = []diff.Kind{KindClass, diff.KindPosition, diff.KindVelocity, diff.KindRotation}

// NewRegistry returns a registry with every component the game replicates.
func NewRegistry() (*diff.Registry, error) {
	r := diff.NewRegistry()
	if err := diff.RegisterBuiltins(r, diff.DefaultTolerance); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindClass, "class", diff.DiscreteFuncs[Class]()); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindHP, "hp", diff.DiscreteFuncs[int]()); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindCooldown, "cooldown", diff.ScalarFuncs(1e-6)); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindLife, "life", diff.ScalarFuncs(1e-6)); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindFired, "fired", diff.DiscreteFuncs[bool]()); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindScore, "score", diff.DiscreteFuncs[int]()); err != nil {
		return nil, err
	}
	if err := diff.Register(r, KindPlayers, "players", diff.DiscreteFuncs[int]()); err != nil {
		return nil, err
	}
	return r, nil
}

// Input is what a pilot does during one tick.
type Input struct {
	TargetX float64 `msgpack:"x"` // pointer world X
	TargetY float64 `msgpack:"y"` // pointer world Y
	Fire    bool    `msgpack:"f,omitempty"`
	Boost   bool    `msgpack:"b,omitempty"`
	Thresh  float64 `msgpack:"t,omitempty"` // distance threshold for speed modulation
}

// EncodeInput serializes an input for the wire.
func EncodeInput(in Input) ([]byte, error) {
	b, err := msgpack.Marshal(&in)
	if err != nil {
		return nil, eris.Wrap(err, "encode input")
	}
	return b, nil
}

// DecodeInput parses an input from the wire.
func DecodeInput(raw []byte) (Input, error) {
	var in Input
	if err := msgpack.Unmarshal(raw, &in); err != nil {
		return Input{}, eris.Wrap(err, "decode input")
	}
	return in, nil
}

// ClassOf returns the class component of s, zero if absent.
func ClassOf(s diff.Snapshot) Class {
	c, _ := s[KindClass].(Class)
	return c
}
