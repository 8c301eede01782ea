package transport

import (
	"sync"

	"spaceship-netsync/telemetry"
)

// Queue is the intake ring between network goroutines and the simulation.
// It is safe for concurrent producers and a single consumer. Data packets
// are dropped when it is full; connection events grow it instead, since
// losing one would leave a peer registered forever.
type Queue struct {
	mu    sync.Mutex
	data  []Packet
	head  int
	count int
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{data: make([]Packet, capacity)}
}

// Push enqueues p, returning false if it was dropped.
func (q *Queue) Push(p Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		if p.Event == EventData {
			telemetry.IntakeDrops.Inc()
			return false
		}
		q.growLocked()
	}
	q.data[(q.head+q.count)%len(q.data)] = p
	q.count++
	return true
}

func (q *Queue) growLocked() {
	next := make([]Packet, len(q.data)*2)
	for i := 0; i < q.count; i++ {
		next[i] = q.data[(q.head+i)%len(q.data)]
	}
	q.data, q.head = next, 0
}

// Pop dequeues the oldest packet.
func (q *Queue) Pop() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Packet{}, false
	}
	p := q.data[q.head]
	q.data[q.head] = Packet{}
	q.head = (q.head + 1) % len(q.data)
	q.count--
	return p, true
}

// Drain returns every queued packet in FIFO order and clears the queue.
func (q *Queue) Drain() []Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]Packet, q.count)
	for i := range out {
		idx := (q.head + i) % len(q.data)
		out[i] = q.data[idx]
		q.data[idx] = Packet{}
	}
	q.head, q.count = 0, 0
	return out
}

// Len reports the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the current capacity.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
