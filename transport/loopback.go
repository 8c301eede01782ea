package transport

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"spaceship-netsync/tick"
)

// LoopbackServer is an in-memory server endpoint. Clients created with
// Connect deliver to it directly.
type LoopbackServer struct {
	mu      sync.Mutex
	in      *Queue
	clients map[PeerID]*LoopbackClient
	next    PeerID
	now     func() tick.Tick
	rtt     time.Duration
	closed  bool
}

// NewLoopbackServer creates a server endpoint. rtt is what RTT reports.
func NewLoopbackServer(queueSize int, rtt time.Duration) *LoopbackServer {
	return &LoopbackServer{
		in:      NewQueue(queueSize),
		clients: make(map[PeerID]*LoopbackClient),
		now:     func() tick.Tick { return 0 },
		rtt:     rtt,
	}
}

// Connect creates a client endpoint and queues connected events on both
// sides.
func (s *LoopbackServer) Connect() (*LoopbackClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.next++
	c := &LoopbackClient{
		id:     s.next,
		server: s,
		in:     NewQueue(s.in.Cap()),
		now:    func() tick.Tick { return 0 },
	}
	s.clients[c.id] = c
	s.in.Push(Packet{Peer: c.id, Event: EventConnected})
	c.in.Push(Packet{Peer: ServerPeer, Event: EventConnected})
	return c, nil
}

// Send delivers payload to a client.
func (s *LoopbackServer) Send(peer PeerID, payload []byte) error {
	s.mu.Lock()
	c, ok := s.clients[peer]
	closed := s.closed
	at := s.now()
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return eris.Wrapf(ErrPeerNotFound, "peer %d", peer)
	}
	c.in.Push(Packet{Peer: ServerPeer, Payload: clone(payload), Tick: at})
	return nil
}

// TryReceive pops the next inbound packet.
func (s *LoopbackServer) TryReceive() (Packet, bool) { return s.in.Pop() }

// RTT returns the configured round trip.
func (s *LoopbackServer) RTT(PeerID) time.Duration { return s.rtt }

// SetTickSource stamps outgoing packets.
func (s *LoopbackServer) SetTickSource(fn func() tick.Tick) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}

// Kick closes one client's connection from the server side.
func (s *LoopbackServer) Kick(peer PeerID) {
	s.mu.Lock()
	c, ok := s.clients[peer]
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close disconnects every client.
func (s *LoopbackServer) Close() error {
	s.mu.Lock()
	clients := make([]*LoopbackClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.closed = true
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	return nil
}

func (s *LoopbackServer) drop(c *LoopbackClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	s.in.Push(Packet{Peer: c.id, Event: EventClosed})
}

// LoopbackClient is the client side of a loopback connection.
type LoopbackClient struct {
	mu     sync.Mutex
	id     PeerID
	server *LoopbackServer
	in     *Queue
	now    func() tick.Tick
	closed bool
}

// ID returns the peer ID the server knows this client by.
func (c *LoopbackClient) ID() PeerID { return c.id }

// Send delivers payload to the server. peer is ignored.
func (c *LoopbackClient) Send(_ PeerID, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	at := c.now()
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.server.in.Push(Packet{Peer: c.id, Payload: clone(payload), Tick: at})
	return nil
}

// TryReceive pops the next inbound packet.
func (c *LoopbackClient) TryReceive() (Packet, bool) { return c.in.Pop() }

// RTT returns the server's configured round trip.
func (c *LoopbackClient) RTT(PeerID) time.Duration { return c.server.rtt }

// SetTickSource stamps outgoing packets.
func (c *LoopbackClient) SetTickSource(fn func() tick.Tick) {
	c.mu.Lock()
	c.now = fn
	c.mu.Unlock()
}

// Close disconnects. Both sides see a closed event.
func (c *LoopbackClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.in.Push(Packet{Peer: ServerPeer, Event: EventClosed})
	c.server.drop(c)
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
