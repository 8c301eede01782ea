// Package history keeps bounded, tick-ordered snapshots of one value stream
// (one component of one entity, or one entity's inputs).
package history

import (
	"github.com/rotisserie/eris"

	"spaceship-netsync/tick"
)

// ErrOutOfOrderTick is returned when a push does not advance the newest tick.
var ErrOutOfOrderTick = eris.New("out of order tick")

// Entry is one (tick, value) snapshot.
type Entry[T any] struct {
	Tick  tick.Tick
	Value T
}

// Buffer is a fixed-capacity ring of entries with strictly increasing ticks.
// The oldest entry is evicted once capacity is exceeded. Not safe for
// concurrent use; buffers belong to the simulation goroutine.
type Buffer[T any] struct {
	data  []Entry[T]
	head  int // index of oldest
	count int
}

// New creates a buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{data: make([]Entry[T], capacity)}
}

// Len reports the number of stored entries.
func (b *Buffer[T]) Len() int { return b.count }

// Cap reports the maximum number of entries.
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Resize changes the capacity, keeping the newest entries that still fit.
func (b *Buffer[T]) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(b.data) {
		return
	}
	keep := min(b.count, capacity)
	data := make([]Entry[T], capacity)
	for i := 0; i < keep; i++ {
		data[i] = *b.at(b.count - keep + i)
	}
	b.data, b.head, b.count = data, 0, keep
}

func (b *Buffer[T]) at(i int) *Entry[T] {
	return &b.data[(b.head+i)%len(b.data)]
}

// Push appends a snapshot. Ticks must be strictly newer than the newest entry.
func (b *Buffer[T]) Push(t tick.Tick, v T) error {
	if b.count > 0 {
		if newest := b.at(b.count - 1).Tick; !t.After(newest) {
			return eris.Wrapf(ErrOutOfOrderTick, "push tick %d, newest %d", t, newest)
		}
	}
	if b.count == len(b.data) {
		b.data[b.head] = Entry[T]{Tick: t, Value: v}
		b.head = (b.head + 1) % len(b.data)
		return nil
	}
	*b.at(b.count) = Entry[T]{Tick: t, Value: v}
	b.count++
	return nil
}

// search returns the index of the first entry with Tick >= t.
func (b *Buffer[T]) search(t tick.Tick) int {
	lo, hi := 0, b.count
	for lo < hi {
		mid := (lo + hi) / 2
		if b.at(mid).Tick.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Get returns the value stored at exactly t.
func (b *Buffer[T]) Get(t tick.Tick) (T, bool) {
	i := b.search(t)
	if i < b.count && b.at(i).Tick == t {
		return b.at(i).Value, true
	}
	var zero T
	return zero, false
}

// LatestBeforeOrAt returns the newest entry with Tick <= t.
func (b *Buffer[T]) LatestBeforeOrAt(t tick.Tick) (Entry[T], bool) {
	i := b.search(t)
	if i < b.count && b.at(i).Tick == t {
		return *b.at(i), true
	}
	if i == 0 {
		return Entry[T]{}, false
	}
	return *b.at(i - 1), true
}

// EarliestAfterOrAt returns the oldest entry with Tick >= t.
func (b *Buffer[T]) EarliestAfterOrAt(t tick.Tick) (Entry[T], bool) {
	i := b.search(t)
	if i == b.count {
		return Entry[T]{}, false
	}
	return *b.at(i), true
}

// TruncateAfter drops every entry strictly newer than t.
func (b *Buffer[T]) TruncateAfter(t tick.Tick) {
	i := b.search(t)
	if i < b.count && b.at(i).Tick == t {
		i++
	}
	var zero Entry[T]
	for j := i; j < b.count; j++ {
		*b.at(j) = zero
	}
	b.count = i
}

// Oldest returns the oldest retained entry.
func (b *Buffer[T]) Oldest() (Entry[T], bool) {
	if b.count == 0 {
		return Entry[T]{}, false
	}
	return *b.at(0), true
}

// Newest returns the newest entry.
func (b *Buffer[T]) Newest() (Entry[T], bool) {
	if b.count == 0 {
		return Entry[T]{}, false
	}
	return *b.at(b.count - 1), true
}

// PopOldest removes and returns the oldest entry.
func (b *Buffer[T]) PopOldest() (Entry[T], bool) {
	if b.count == 0 {
		return Entry[T]{}, false
	}
	e := *b.at(0)
	*b.at(0) = Entry[T]{}
	b.head = (b.head + 1) % len(b.data)
	b.count--
	return e, true
}

// Clear removes all entries.
func (b *Buffer[T]) Clear() {
	for i := range b.data {
		b.data[i] = Entry[T]{}
	}
	b.head = 0
	b.count = 0
}

// Each visits entries oldest first until fn returns false.
func (b *Buffer[T]) Each(fn func(Entry[T]) bool) {
	for i := 0; i < b.count; i++ {
		if !fn(*b.at(i)) {
			return
		}
	}
}

// Entries copies the buffer contents, oldest first.
func (b *Buffer[T]) Entries() []Entry[T] {
	out := make([]Entry[T], 0, b.count)
	b.Each(func(e Entry[T]) bool {
		out = append(out, e)
		return true
	})
	return out
}
