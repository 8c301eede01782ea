package ship

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/replication"
	"spaceship-netsync/tick"
)

type inputMap map[entity.ID]Input

func (m inputMap) Input(id entity.ID, _ tick.Tick) ([]byte, bool) {
	in, ok := m[id]
	if !ok {
		return nil, false
	}
	raw, err := EncodeInput(in)
	return raw, err == nil
}

func TestGameJoinSpawnsShip(t *testing.T) {
	g := NewGame(60, 1)
	s, err := g.Join(1, 0)
	require.NoError(t, err)
	assert.Equal(t, ClassShip, ClassOf(s))
	assert.Equal(t, MaxHP, s[KindHP])
}

func TestGameKillCreditsShooter(t *testing.T) {
	g := NewGame(60, 1)
	w := replication.NewWorld()
	a := w.Spawn(1, 0, NewShip(diff.Vec2{X: 100, Y: 100}), false)
	b := w.Spawn(2, 0, NewShip(diff.Vec2{X: 160, Y: 100}), false)
	require.NoError(t, w.Set(b.ID, KindHP, ProjectileDamage))

	var kills [][2]entity.ID
	g.OnKill(func(killer, victim entity.ID, _ tick.Tick) {
		kills = append(kills, [2]entity.ID{killer, victim})
	})

	in := inputMap{a.ID: {TargetX: 1000, TargetY: 100, Thresh: 200, Fire: true}}
	require.NoError(t, g.Simulate(w, 1, in))
	require.Equal(t, 3, w.Len())

	var shot *entity.Record
	w.Each(func(r *entity.Record) {
		if ClassOf(r.Components) == ClassProjectile {
			shot = r
		}
	})
	require.NotNil(t, shot)
	assert.True(t, shot.PreSpawned)
	assert.Equal(t, entity.PeerID(1), shot.Owner)
	assert.Equal(t, tick.Tick(1), shot.SpawnTick)

	in[a.ID] = Input{TargetX: 1000, TargetY: 100, Thresh: 200}
	require.NoError(t, g.Simulate(w, 2, in))

	assert.Equal(t, [][2]entity.ID{{a.ID, b.ID}}, kills)
	_, alive := w.Get(shot.ID)
	assert.False(t, alive)

	ra, _ := w.Get(a.ID)
	assert.Equal(t, 1, ra.Components[KindScore])
	rb, _ := w.Get(b.ID)
	assert.Equal(t, MaxHP, rb.Components[KindHP])

	players, ok := w.Resource(KindPlayers)
	require.True(t, ok)
	assert.Equal(t, 2, players)
}

func TestGameExpiresProjectiles(t *testing.T) {
	g := NewGame(60, 1)
	w := replication.NewWorld()
	w.Spawn(1, 0, NewProjectile(NewShip(diff.Vec2{X: 2000, Y: 2000})), true)

	steps := 0
	for w.Len() > 0 && steps < 500 {
		steps++
		require.NoError(t, g.Simulate(w, tick.Tick(steps), inputMap{}))
	}
	assert.Zero(t, w.Len())
	assert.InDelta(t, ProjectileLifetime*60, steps, 2)
}
