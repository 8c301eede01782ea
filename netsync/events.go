// Package netsync runs the authoritative server and the predicting client on
// top of the replication core: it drains the transport at the start of each
// tick, applies what arrived and then steps the simulation.
package netsync

import (
	"spaceship-netsync/entity"
	"spaceship-netsync/tick"
)

// Events fans out lifecycle notifications. Handlers run on the simulation
// goroutine, inside Step.
type Events struct {
	onConnected    []func(entity.PeerID)
	onDisconnected []func(entity.PeerID)
	onSpawned      []func(entity.ID)
	onDespawned    []func(entity.ID)
	onPromoted     []func(local, remote entity.ID)
	onRollback     []func(entity.ID, tick.Tick)
}

// OnConnected subscribes to peer connections. On a client the peer is the
// one the server assigned to it.
func (e *Events) OnConnected(fn func(entity.PeerID)) { e.onConnected = append(e.onConnected, fn) }

// OnDisconnected subscribes to peer disconnections.
func (e *Events) OnDisconnected(fn func(entity.PeerID)) {
	e.onDisconnected = append(e.onDisconnected, fn)
}

// OnSpawned subscribes to entity creation. On the server it fires after the
// simulate stage for every entity that entered the world during the step.
func (e *Events) OnSpawned(fn func(entity.ID)) { e.onSpawned = append(e.onSpawned, fn) }

// OnDespawned subscribes to entity removal.
func (e *Events) OnDespawned(fn func(entity.ID)) { e.onDespawned = append(e.onDespawned, fn) }

// OnPromoted subscribes to pre-spawned entities matched to their server copy.
func (e *Events) OnPromoted(fn func(local, remote entity.ID)) {
	e.onPromoted = append(e.onPromoted, fn)
}

// OnRollback subscribes to prediction rollbacks.
func (e *Events) OnRollback(fn func(entity.ID, tick.Tick)) { e.onRollback = append(e.onRollback, fn) }

func (e *Events) connected(p entity.PeerID) {
	for _, fn := range e.onConnected {
		fn(p)
	}
}

func (e *Events) disconnected(p entity.PeerID) {
	for _, fn := range e.onDisconnected {
		fn(p)
	}
}

func (e *Events) spawned(id entity.ID) {
	for _, fn := range e.onSpawned {
		fn(id)
	}
}

func (e *Events) despawned(id entity.ID) {
	for _, fn := range e.onDespawned {
		fn(id)
	}
}

func (e *Events) promoted(local, remote entity.ID) {
	for _, fn := range e.onPromoted {
		fn(local, remote)
	}
}

func (e *Events) rollback(id entity.ID, at tick.Tick) {
	for _, fn := range e.onRollback {
		fn(id, at)
	}
}
