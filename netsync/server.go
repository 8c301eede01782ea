package netsync

import (
	"context"
	"log"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/history"
	"spaceship-netsync/replication"
	"spaceship-netsync/tick"
	"spaceship-netsync/transport"
)

// Inputs looks up the input a controlling client sent for an entity. A tick
// without its own input falls back to the newest earlier one.
type Inputs interface {
	Input(id entity.ID, at tick.Tick) ([]byte, bool)
}

// Game is the authoritative simulation the server drives.
type Game interface {
	// Join returns the components of the entity a new peer controls, or nil
	// for a spectator.
	Join(peer entity.PeerID, at tick.Tick) (diff.Snapshot, error)
	// Simulate advances w by one tick.
	Simulate(w *replication.World, at tick.Tick, in Inputs) error
}

// ServerConfig holds server runtime settings.
type ServerConfig struct {
	Replication replication.Config
	// InputCapacity bounds the input frames buffered per entity.
	InputCapacity int
	Logger        *log.Logger
}

// DefaultServerConfig buffers one second of inputs at 60 Hz.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Replication:   replication.DefaultConfig(),
		InputCapacity: 64,
	}
}

// Server owns the authoritative world and replicates it to every connected
// peer. Step must be called from a single goroutine.
type Server struct {
	cfg    ServerConfig
	logger *log.Logger
	tr     transport.Transport
	game   Game
	codec  replication.Codec
	world  *replication.World
	sched  *replication.Scheduler
	events Events

	peers  map[entity.PeerID]bool
	inputs map[entity.ID]*history.Buffer[[]byte]
	tick   tick.Tick
}

// NewServer wires a scheduler over a fresh world.
func NewServer(cfg ServerConfig, reg *diff.Registry, tr transport.Transport, game Game) *Server {
	if cfg.InputCapacity < 2 {
		cfg.InputCapacity = DefaultServerConfig().InputCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Replication.Logger == nil {
		cfg.Replication.Logger = logger
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		tr:     tr,
		game:   game,
		world:  replication.NewWorld(),
		peers:  make(map[entity.PeerID]bool),
		inputs: make(map[entity.ID]*history.Buffer[[]byte]),
	}
	s.sched = replication.NewScheduler(cfg.Replication, reg, s.world, tr)
	s.codec = s.sched.Codec()
	s.sched.SetSimulate(func(at tick.Tick) error {
		err := s.game.Simulate(s.world, at, s)
		s.announce()
		return err
	})
	return s
}

// announce fires spawn and despawn events for everything that entered or
// left the world this step, whether a join, a disconnect or the game caused
// it. The world forgets them at the end of the step.
func (s *Server) announce() {
	for _, r := range s.world.Spawned() {
		s.events.spawned(r.ID)
	}
	for _, r := range s.world.Despawned() {
		s.events.despawned(r.ID)
	}
}

// Events returns the lifecycle notifications.
func (s *Server) Events() *Events { return &s.events }

// World returns the authoritative world.
func (s *Server) World() *replication.World { return s.world }

// Scheduler returns the replication scheduler, e.g. to add stages.
func (s *Server) Scheduler() *replication.Scheduler { return s.sched }

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int { return len(s.peers) }

// Input implements Inputs.
func (s *Server) Input(id entity.ID, at tick.Tick) ([]byte, bool) {
	buf, ok := s.inputs[id]
	if !ok {
		return nil, false
	}
	e, ok := buf.LatestBeforeOrAt(at)
	return e.Value, ok
}

// Run steps the server on clock until ctx is done.
func (s *Server) Run(ctx context.Context, clock *tick.Clock) {
	s.tr.SetTickSource(clock.Now)
	clock.Run(ctx, func(at tick.Tick) {
		if err := s.Step(at); err != nil {
			s.logger.Printf("tick %d: %v", at, err)
		}
	})
}

// Step handles everything that arrived since the last tick, then runs the
// stage table for at.
func (s *Server) Step(at tick.Tick) error {
	s.tick = at
	s.drain(at)
	err := s.sched.Run(at)
	for id := range s.inputs {
		if _, alive := s.world.Get(id); !alive {
			delete(s.inputs, id)
		}
	}
	return err
}

func (s *Server) drain(at tick.Tick) {
	for {
		p, ok := s.tr.TryReceive()
		if !ok {
			return
		}
		switch p.Event {
		case transport.EventConnected:
			s.connect(p.Peer, at)
		case transport.EventClosed:
			s.disconnect(p.Peer)
		default:
			s.receive(p)
		}
	}
}

func (s *Server) connect(peer entity.PeerID, at tick.Tick) {
	if s.peers[peer] {
		return
	}
	s.peers[peer] = true
	s.sched.AddPeer(peer)

	welcome, err := s.codec.EncodeWelcome(replication.Welcome{Peer: peer, Tick: at})
	if err == nil {
		err = s.tr.Send(peer, welcome)
	}
	if err != nil {
		s.logger.Printf("welcome peer %d: %v", peer, err)
	}

	comps, err := s.game.Join(peer, at)
	if err != nil {
		s.logger.Printf("join peer %d: %v", peer, err)
	} else if comps != nil {
		s.world.Spawn(peer, at, comps, false)
	}
	s.logger.Printf("peer %d joined at tick %d", peer, at)
	s.events.connected(peer)
}

func (s *Server) disconnect(peer entity.PeerID) {
	if !s.peers[peer] {
		return
	}
	delete(s.peers, peer)
	for _, id := range s.world.OwnedBy(peer) {
		s.world.Despawn(id)
		delete(s.inputs, id)
	}
	s.sched.RemovePeer(peer)
	s.logger.Printf("peer %d left", peer)
	s.events.disconnected(peer)
}

func (s *Server) receive(p transport.Packet) {
	if !s.peers[p.Peer] {
		return
	}
	m, err := s.codec.Decode(p.Payload)
	if err != nil {
		s.logger.Printf("peer %d: %v", p.Peer, err)
		return
	}
	switch m.Type {
	case replication.MsgInput:
		s.storeInput(p.Peer, m.Input)
	case replication.MsgAck:
		s.sched.Ack(p.Peer, m.Ack.Seq)
	default:
		s.logger.Printf("peer %d: unexpected message type %d", p.Peer, m.Type)
	}
}

func (s *Server) storeInput(peer entity.PeerID, m *replication.InputMessage) {
	r, ok := s.world.Get(m.Entity)
	if !ok {
		return // despawned while the input was in flight
	}
	if r.Owner != peer {
		s.logger.Printf("peer %d sent input for entity %d it does not own", peer, m.Entity)
		return
	}
	buf, ok := s.inputs[m.Entity]
	if !ok {
		buf = history.New[[]byte](s.cfg.InputCapacity)
		s.inputs[m.Entity] = buf
	}
	for _, f := range m.Frames {
		if newest, ok := buf.Newest(); ok && !f.Tick.After(newest.Tick) {
			continue // redundant copy of a frame we already have
		}
		_ = buf.Push(f.Tick, f.Payload)
	}
}
