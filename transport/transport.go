// Package transport moves encoded messages between the server and clients.
// Network goroutines only ever write into an intake Queue; the simulation
// drains it at the tick boundary with TryReceive.
package transport

import (
	"encoding/binary"
	"time"

	"github.com/rotisserie/eris"

	"spaceship-netsync/entity"
	"spaceship-netsync/tick"
)

var (
	ErrUnauthorized = eris.New("unauthorized")
	ErrPeerNotFound = eris.New("peer not found")
	ErrClosed       = eris.New("transport closed")
	ErrSlowPeer     = eris.New("peer send buffer full")
	ErrShortFrame   = eris.New("frame shorter than header")
)

// PeerID identifies a connection. A client addresses the server as ServerPeer.
type PeerID = entity.PeerID

const ServerPeer PeerID = 0

// Event says what a Packet carries.
type Event uint8

const (
	EventData Event = iota
	EventConnected
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	}
	return "data"
}

// Packet is one inbound message or connection notification. Tick is the
// sender's tick when the message was produced.
type Packet struct {
	Peer    PeerID
	Payload []byte
	Tick    tick.Tick
	Event   Event
}

// Transport is the packet I/O collaborator the runtimes consume.
type Transport interface {
	Send(peer PeerID, payload []byte) error
	// TryReceive pops the next queued packet without blocking.
	TryReceive() (Packet, bool)
	// RTT is the current round-trip estimate, zero if unknown.
	RTT(peer PeerID) time.Duration
	// SetTickSource stamps outgoing frames with the caller's tick.
	SetTickSource(fn func() tick.Tick)
	Close() error
}

// HeaderSize is the frame header: the sender's tick, big-endian.
const HeaderSize = 4

// Frame prefixes payload with the tick header.
func Frame(at tick.Tick, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(at))
	copy(out[HeaderSize:], payload)
	return out
}

// Unframe splits a frame into its tick and payload.
func Unframe(frame []byte) (tick.Tick, []byte, error) {
	if len(frame) < HeaderSize {
		return 0, nil, eris.Wrapf(ErrShortFrame, "%d bytes", len(frame))
	}
	return tick.Tick(binary.BigEndian.Uint32(frame)), frame[HeaderSize:], nil
}
