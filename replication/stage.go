package replication

import (
	"sort"

	"github.com/rotisserie/eris"

	"spaceship-netsync/tick"
)

var (
	ErrStageCycle     = eris.New("stage table has a cycle")
	ErrUnknownStage   = eris.New("unknown stage")
	ErrDuplicateStage = eris.New("stage already in table")
)

// StageID names one stage of the per-tick pipeline.
type StageID uint8

const (
	StagePreSpawnHash StageID = iota + 1
	StageSimulate
	StageBufferDespawnsAndRemovals
	StageBufferEntityUpdates
	StageBufferComponentUpdates
	StageBufferResourceUpdates
	StageSend

	// StageUser is the first ID free for stages added by the owner.
	StageUser StageID = 64
)

// Cadence says how often a stage runs.
type Cadence uint8

const (
	EveryStep Cadence = iota
	SendInterval
)

// Stage is one node of the ordering table.
type Stage struct {
	ID      StageID
	Name    string
	Cadence Cadence
	After   []StageID
	Run     func(at tick.Tick) error
}

// Table is an explicit DAG of stages. Order is recomputed only after the
// table changes.
type Table struct {
	stages map[StageID]*Stage
	order  []*Stage
	dirty  bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{stages: make(map[StageID]*Stage)}
}

// Add inserts a stage. Dependencies may name stages added later; they are
// checked when the table is sorted.
func (t *Table) Add(s Stage) error {
	if _, ok := t.stages[s.ID]; ok {
		return eris.Wrapf(ErrDuplicateStage, "stage %d (%s)", s.ID, s.Name)
	}
	st := s
	t.stages[s.ID] = &st
	t.dirty = true
	return nil
}

// SetRun replaces the function of an existing stage.
func (t *Table) SetRun(id StageID, fn func(tick.Tick) error) error {
	s, ok := t.stages[id]
	if !ok {
		return eris.Wrapf(ErrUnknownStage, "stage %d", id)
	}
	s.Run = fn
	return nil
}

// Order returns the stages sorted so every stage follows its dependencies.
// Ties are broken by StageID so the order is stable.
func (t *Table) Order() ([]*Stage, error) {
	if !t.dirty && t.order != nil {
		return t.order, nil
	}

	indegree := make(map[StageID]int, len(t.stages))
	next := make(map[StageID][]StageID, len(t.stages))
	for id, s := range t.stages {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range s.After {
			if _, ok := t.stages[dep]; !ok {
				return nil, eris.Wrapf(ErrUnknownStage, "stage %s depends on %d", s.Name, dep)
			}
			indegree[id]++
			next[dep] = append(next[dep], id)
		}
	}

	var ready []StageID
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]*Stage, 0, len(t.stages))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, t.stages[id])
		for _, n := range next[id] {
			indegree[n]--
			if indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
	}
	if len(order) != len(t.stages) {
		return nil, eris.Wrapf(ErrStageCycle, "%d of %d stages sorted", len(order), len(t.stages))
	}

	t.order, t.dirty = order, false
	return order, nil
}

// defaultTable wires the replication pipeline. Hashing must see spawn-time
// values, so it precedes simulation. Despawns and removals are observable for
// one step only, so they are gathered every step.
func defaultTable(s *Scheduler) *Table {
	t := NewTable()
	stages := []Stage{
		{ID: StagePreSpawnHash, Name: "pre_spawn_hash", Run: s.hashPreSpawned},
		{ID: StageSimulate, Name: "simulate", After: []StageID{StagePreSpawnHash}, Run: s.simulate},
		{ID: StageBufferDespawnsAndRemovals, Name: "buffer_despawns_and_removals", After: []StageID{StageSimulate}, Run: s.bufferDespawnsAndRemovals},
		{ID: StageBufferEntityUpdates, Name: "buffer_entity_updates", Cadence: SendInterval, After: []StageID{StageBufferDespawnsAndRemovals}, Run: s.bufferEntityUpdates},
		{ID: StageBufferComponentUpdates, Name: "buffer_component_updates", Cadence: SendInterval, After: []StageID{StageBufferEntityUpdates}, Run: s.bufferComponentUpdates},
		{ID: StageBufferResourceUpdates, Name: "buffer_resource_updates", Cadence: SendInterval, After: []StageID{StageBufferComponentUpdates}, Run: s.bufferResourceUpdates},
		{ID: StageSend, Name: "send", Cadence: SendInterval, After: []StageID{StageBufferResourceUpdates}, Run: s.send},
	}
	for _, st := range stages {
		_ = t.Add(st)
	}
	return t
}
