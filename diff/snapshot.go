package diff

import "sort"

// Snapshot is the set of component values of one entity at one tick.
type Snapshot map[Kind]any

// Clone returns a shallow copy. Component values are plain values, so this
// is enough to keep history entries independent.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Kinds lists the kinds present, ascending.
func (s Snapshot) Kinds() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SnapshotEqual reports whether a and b hold the same kinds with values equal
// under each kind's tolerance.
func (r *Registry) SnapshotEqual(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !r.Equal(k, av, bv) {
			return false
		}
	}
	return true
}

// SnapshotLerp interpolates every kind present in both snapshots. Kinds only
// present in one side are taken from end, matching the confirmed state.
func (r *Registry) SnapshotLerp(start, end Snapshot, factor float64) (Snapshot, error) {
	switch {
	case factor <= 0:
		return start.Clone(), nil
	case factor >= 1:
		return end.Clone(), nil
	}
	out := make(Snapshot, len(end))
	for k, ev := range end {
		sv, ok := start[k]
		if !ok {
			out[k] = ev
			continue
		}
		v, err := r.Lerp(k, sv, ev, factor)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Merge overlays a partial snapshot onto base and returns the result.
func (s Snapshot) Merge(partial Snapshot) Snapshot {
	out := s.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}
