// Package diff is the capability table for replicated component types: for
// each component kind it knows the neutral base value, how to diff two values,
// how to apply a delta, and optionally how to interpolate and compare them.
package diff

import (
	"reflect"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownKind   = eris.New("unknown component kind")
	ErrDuplicateKind = eris.New("component kind already registered")
	ErrTypeMismatch  = eris.New("component value has wrong type")
	ErrIncomplete    = eris.New("component funcs missing diff or apply")
)

// Kind identifies a component type on the wire and in the registry.
type Kind uint16

// Funcs is the per-type contract. Apply(a, Diff(a, b)) must be observationally
// equal to b. A type without a meaningful delta may use D = T, return the new
// value from Diff and replace wholesale in Apply.
type Funcs[T, D any] struct {
	Base  func() T
	Diff  func(old, new T) D
	Apply func(base T, delta D) T
	Lerp  func(start, end T, factor float64) T // optional
	Equal func(a, b T) bool                    // optional, defaults to deep equality
}

type entry struct {
	name        string
	base        func() any
	diff        func(old, new any) (any, error)
	apply       func(base, delta any) (any, error)
	lerp        func(start, end any, factor float64) (any, error)
	equal       func(a, b any) bool
	decode      func([]byte) (any, error)
	decodeDelta func([]byte) (any, error)
}

// Registry maps component kinds to their type-erased capability entries.
// Registration normally happens at startup; lookups are safe concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Kind]*entry)}
}

func cast[T any](kind Kind, v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, eris.Wrapf(ErrTypeMismatch, "kind %d: got %T, want %T", kind, v, zero)
	}
	return t, nil
}

// Register adds a component type to the registry.
func Register[T, D any](r *Registry, kind Kind, name string, f Funcs[T, D]) error {
	if f.Diff == nil || f.Apply == nil {
		return eris.Wrapf(ErrIncomplete, "kind %d (%s)", kind, name)
	}
	base := f.Base
	if base == nil {
		base = func() T {
			var zero T
			return zero
		}
	}
	equal := f.Equal
	if equal == nil {
		equal = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}

	e := &entry{
		name: name,
		base: func() any { return base() },
		diff: func(old, new any) (any, error) {
			o, err := cast[T](kind, old)
			if err != nil {
				return nil, err
			}
			n, err := cast[T](kind, new)
			if err != nil {
				return nil, err
			}
			return f.Diff(o, n), nil
		},
		apply: func(b, d any) (any, error) {
			bv, err := cast[T](kind, b)
			if err != nil {
				return nil, err
			}
			dv, err := cast[D](kind, d)
			if err != nil {
				return nil, err
			}
			return f.Apply(bv, dv), nil
		},
		equal: func(a, b any) bool {
			av, ok1 := a.(T)
			bv, ok2 := b.(T)
			return ok1 && ok2 && equal(av, bv)
		},
		decode: func(raw []byte) (any, error) {
			var v T
			if err := msgpack.Unmarshal(raw, &v); err != nil {
				return nil, eris.Wrapf(err, "decode kind %d", kind)
			}
			return v, nil
		},
		decodeDelta: func(raw []byte) (any, error) {
			var d D
			if err := msgpack.Unmarshal(raw, &d); err != nil {
				return nil, eris.Wrapf(err, "decode delta kind %d", kind)
			}
			return d, nil
		},
	}
	if f.Lerp != nil {
		e.lerp = func(s, end any, factor float64) (any, error) {
			sv, err := cast[T](kind, s)
			if err != nil {
				return nil, err
			}
			ev, err := cast[T](kind, end)
			if err != nil {
				return nil, err
			}
			return f.Lerp(sv, ev, factor), nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[kind]; ok {
		return eris.Wrapf(ErrDuplicateKind, "kind %d (%s)", kind, name)
	}
	r.entries[kind] = e
	return nil
}

// MustRegister is Register for static setup code.
func MustRegister[T, D any](r *Registry, kind Kind, name string, f Funcs[T, D]) {
	if err := Register(r, kind, name, f); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(kind Kind) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "kind %d", kind)
	}
	return e, nil
}

// Kinds lists registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Name returns the registered name of a kind.
func (r *Registry) Name(kind Kind) string {
	e, err := r.lookup(kind)
	if err != nil {
		return ""
	}
	return e.name
}

// Base returns the neutral starting value for kind.
func (r *Registry) Base(kind Kind) (any, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	return e.base(), nil
}

// Diff computes the delta turning old into new.
func (r *Registry) Diff(kind Kind, old, new any) (any, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	return e.diff(old, new)
}

// Apply applies delta to base and returns the new value.
func (r *Registry) Apply(kind Kind, base, delta any) (any, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	return e.apply(base, delta)
}

// HasLerp reports whether kind registered an interpolation function.
func (r *Registry) HasLerp(kind Kind) bool {
	e, err := r.lookup(kind)
	return err == nil && e.lerp != nil
}

// Lerp interpolates between start and end. Factor 0 and 1 return the
// endpoints unchanged. Kinds without a lerp hold start until factor reaches 1.
func (r *Registry) Lerp(kind Kind, start, end any, factor float64) (any, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	switch {
	case factor <= 0:
		return start, nil
	case factor >= 1:
		return end, nil
	case e.lerp == nil:
		return start, nil
	}
	return e.lerp(start, end, factor)
}

// Equal compares two values of kind, using the registered tolerance.
func (r *Registry) Equal(kind Kind, a, b any) bool {
	e, err := r.lookup(kind)
	if err != nil {
		return false
	}
	return e.equal(a, b)
}

// Encode serializes a value or delta for the wire.
func (r *Registry) Encode(kind Kind, v any) ([]byte, error) {
	if _, err := r.lookup(kind); err != nil {
		return nil, err
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "encode kind %d", kind)
	}
	return b, nil
}

// Decode deserializes a full value of kind.
func (r *Registry) Decode(kind Kind, raw []byte) (any, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	return e.decode(raw)
}

// DecodeDelta deserializes a delta of kind.
func (r *Registry) DecodeDelta(kind Kind, raw []byte) (any, error) {
	e, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	return e.decodeDelta(raw)
}
