package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-netsync/diff"
)

func TestStoreSpawnRemove(t *testing.T) {
	s := NewStore()
	a := s.Spawn(Predicted, 3, nil)
	b := s.Spawn(Interpolated, 4, diff.Snapshot{diff.KindPosition: diff.Vec2{X: 1}})

	assert.Equal(t, ID(1), a.ID)
	assert.Equal(t, ID(2), b.ID)
	assert.NotNil(t, a.Components)
	assert.Equal(t, []ID{1, 2}, s.IDs())

	got, ok := s.Remove(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)
	_, ok = s.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestRoleTransitions(t *testing.T) {
	r := &Record{Role: Predicted, Speculative: true}
	r.Promote()
	assert.False(t, r.Speculative)
	assert.Equal(t, Predicted, r.Role)

	r.SetRole(Confirmed)
	assert.Equal(t, "confirmed", r.Role.String())
	assert.Equal(t, "role(9)", Role(9).String())
}
