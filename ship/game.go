package ship

import (
	"log"
	"math/rand"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
	"spaceship-netsync/netsync"
	"spaceship-netsync/replication"
	"spaceship-netsync/tick"
	"spaceship-netsync/transport"
)

// Game is the authoritative spaceship match run by the server.
type Game struct {
	sim     Simulator
	rng     *rand.Rand
	grid    Grid
	shooter map[entity.ID]entity.ID // projectile -> ship that fired it
	onKill  []func(killer, victim entity.ID, at tick.Tick)
}

// NewGame creates a match stepping at rate Hz. seed fixes spawn points.
func NewGame(rate int, seed int64) *Game {
	return &Game{
		sim:     NewSimulator(rate),
		rng:     rand.New(rand.NewSource(seed)),
		shooter: make(map[entity.ID]entity.ID),
	}
}

// OnKill subscribes to ship kills.
func (g *Game) OnKill(fn func(killer, victim entity.ID, at tick.Tick)) {
	g.onKill = append(g.onKill, fn)
}

// Join spawns a ship for every new peer.
func (g *Game) Join(entity.PeerID, tick.Tick) (diff.Snapshot, error) {
	return NewShip(SpawnPoint(g.rng)), nil
}

// Simulate steps projectiles, then ships, then resolves hits. Projectiles
// fired this tick start moving on the next one, matching what a predicting
// client does with its own shots.
func (g *Game) Simulate(w *replication.World, at tick.Tick, inputs netsync.Inputs) error {
	for pid := range g.shooter {
		if _, alive := w.Get(pid); !alive {
			delete(g.shooter, pid)
		}
	}

	ships := make(map[entity.ID]diff.Snapshot)
	projectiles := make(map[entity.ID]diff.Snapshot)

	for _, id := range w.IDs() {
		r, _ := w.Get(id)
		if ClassOf(r.Components) != ClassProjectile {
			continue
		}
		next, alive := StepProjectile(r.Components, g.sim.DT)
		if !alive {
			w.Despawn(id)
			delete(g.shooter, id)
			continue
		}
		if err := w.Replace(id, next); err != nil {
			return err
		}
		projectiles[id] = next
	}

	for _, id := range w.IDs() {
		r, _ := w.Get(id)
		if ClassOf(r.Components) != ClassShip {
			continue
		}
		var in Input
		if raw, ok := inputs.Input(id, at); ok {
			var err error
			if in, err = DecodeInput(raw); err != nil {
				log.Printf("ship %d: %v", id, err)
			}
		}
		next := StepShip(r.Components, in, g.sim.DT)
		if err := w.Replace(id, next); err != nil {
			return err
		}
		ships[id] = next
		if Fired(next) {
			p := w.Spawn(r.Owner, at, NewProjectile(next), true)
			g.shooter[p.ID] = id
		}
	}

	for _, h := range Collide(&g.grid, ships, projectiles, g.shooter) {
		w.Despawn(h.Projectile)
		killer := g.shooter[h.Projectile]
		delete(g.shooter, h.Projectile)

		victim, died := TakeDamage(ships[h.Ship], ProjectileDamage)
		if died {
			victim = Respawn(victim, SpawnPoint(g.rng))
			if k, ok := w.Get(killer); ok {
				score, _ := k.Components[KindScore].(int)
				if err := w.Set(killer, KindScore, score+1); err != nil {
					return err
				}
				if _, isShip := ships[killer]; isShip {
					ships[killer] = k.Components.Clone()
				}
			}
			for _, fn := range g.onKill {
				fn(killer, h.Ship, at)
			}
		}
		ships[h.Ship] = victim
		if err := w.Replace(h.Ship, victim); err != nil {
			return err
		}
	}

	w.SetResource(KindPlayers, len(ships))
	return nil
}

// PreSpawnShots returns a client hook that spawns a speculative projectile
// whenever one of the client's predicted ships fires, so the shot appears
// without waiting a round trip.
func PreSpawnShots(c *netsync.Client[Input]) func(at tick.Tick) {
	return func(at tick.Tick) {
		for _, id := range c.Owned() {
			s, ok := c.State(id)
			if !ok || ClassOf(s) != ClassShip || !Fired(s) {
				continue
			}
			if _, err := c.SpawnPreSpawned(at, NewProjectile(s)); err != nil {
				log.Printf("pre-spawn shot of ship %d at tick %d: %v", id, at, err)
			}
		}
	}
}

// NewClient wires a predicting client for the spaceship game.
func NewClient(cfg netsync.ClientConfig, reg *diff.Registry, tr transport.Transport, clock *tick.Clock) *netsync.Client[Input] {
	if cfg.HashKinds == nil {
		cfg.HashKinds = HashKinds
	}
	c := netsync.NewClient[Input](cfg, reg, NewSimulator(cfg.TickRate), EncodeInput, tr, clock)
	c.AfterPredict(PreSpawnShots(c))
	return c
}

// NewServer wires the authoritative server for the spaceship game.
func NewServer(cfg netsync.ServerConfig, reg *diff.Registry, tr transport.Transport, g *Game) *netsync.Server {
	if cfg.Replication.HashKinds == nil {
		cfg.Replication.HashKinds = HashKinds
	}
	return netsync.NewServer(cfg, reg, tr, g)
}
