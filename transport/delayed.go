package transport

import (
	"sync"
	"time"

	"spaceship-netsync/tick"
)

type held struct {
	due     tick.Tick
	peer    PeerID
	payload []byte
	pkt     Packet
}

// Delayed adds a fixed one-way latency in both directions on top of another
// transport. Outbound messages leave once they are due, on the next
// TryReceive; inbound packets are handed out in arrival order once due. now
// must keep ticking at the simulation rate; a clock that snaps forward would
// release held traffic early.
type Delayed struct {
	Transport
	delay   tick.Tick
	tickDur time.Duration
	now     func() tick.Tick

	mu       sync.Mutex
	inbound  []held
	outbound []held
}

// NewDelayed wraps inner so that everything it carries arrives delay ticks
// late.
func NewDelayed(inner Transport, delay int, tickDur time.Duration, now func() tick.Tick) *Delayed {
	if delay < 0 {
		delay = 0
	}
	return &Delayed{Transport: inner, delay: tick.Tick(delay), tickDur: tickDur, now: now}
}

// Send queues payload until it is due.
func (d *Delayed) Send(peer PeerID, payload []byte) error {
	d.mu.Lock()
	d.outbound = append(d.outbound, held{due: d.now() + d.delay, peer: peer, payload: clone(payload)})
	d.mu.Unlock()
	return nil
}

// TryReceive flushes due outbound messages, then pops the oldest inbound
// packet that is due. A failed delayed send is dropped like a lost packet.
func (d *Delayed) TryReceive() (Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()

	n := 0
	for n < len(d.outbound) && !d.outbound[n].due.After(now) {
		o := d.outbound[n]
		_ = d.Transport.Send(o.peer, o.payload)
		n++
	}
	d.outbound = d.outbound[n:]

	for {
		p, ok := d.Transport.TryReceive()
		if !ok {
			break
		}
		d.inbound = append(d.inbound, held{due: now + d.delay, pkt: p})
	}
	if len(d.inbound) == 0 || d.inbound[0].due.After(now) {
		return Packet{}, false
	}
	p := d.inbound[0].pkt
	d.inbound = d.inbound[1:]
	return p, true
}

// RTT adds the simulated round trip to the inner estimate.
func (d *Delayed) RTT(peer PeerID) time.Duration {
	return d.Transport.RTT(peer) + 2*time.Duration(d.delay)*d.tickDur
}
