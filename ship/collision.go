package ship

import (
	"sort"

	"spaceship-netsync/diff"
	"spaceship-netsync/entity"
)

const (
	cellSize = 80.0 // ~2x the ship radius plus projectile radius
	gridCols = 51   // ceil(4000/80) + 1
	gridRows = 51
)

// Overlap checks if two circles overlap.
func Overlap(a diff.Vec2, ra float64, b diff.Vec2, rb float64) bool {
	d := b.Sub(a)
	sum := ra + rb
	return d.X*d.X+d.Y*d.Y <= sum*sum
}

// Grid is a fixed-size grid for broad-phase collision queries.
type Grid struct {
	cells [gridCols * gridRows][]entity.ID
}

// Clear resets all cells, keeping allocated capacity.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
}

func cellRange(p diff.Vec2, radius float64) (minCX, maxCX, minCY, maxCY int) {
	minCX = clampCell(int((p.X-radius)/cellSize), gridCols)
	maxCX = clampCell(int((p.X+radius)/cellSize), gridCols)
	minCY = clampCell(int((p.Y-radius)/cellSize), gridRows)
	maxCY = clampCell(int((p.Y+radius)/cellSize), gridRows)
	return
}

func clampCell(c, n int) int {
	if c < 0 {
		return 0
	}
	if c >= n {
		return n - 1
	}
	return c
}

// Insert adds id to every cell its bounding box overlaps.
func (g *Grid) Insert(p diff.Vec2, radius float64, id entity.ID) {
	minCX, maxCX, minCY, maxCY := cellRange(p, radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			idx := cy*gridCols + cx
			g.cells[idx] = append(g.cells[idx], id)
		}
	}
}

// QueryBuf appends the ids in cells overlapping the box around p to buf.
// An id spanning several cells may appear more than once.
func (g *Grid) QueryBuf(p diff.Vec2, radius float64, buf []entity.ID) []entity.ID {
	minCX, maxCX, minCY, maxCY := cellRange(p, radius)
	for cy := minCY; cy <= maxCY; cy++ {
		for cx := minCX; cx <= maxCX; cx++ {
			buf = append(buf, g.cells[cy*gridCols+cx]...)
		}
	}
	return buf
}

// Hit is a projectile striking a ship.
type Hit struct {
	Projectile entity.ID
	Ship       entity.ID
}

// Collide finds projectile hits on ships. owner maps each projectile to the
// ship that fired it; a ship cannot hit itself. Each projectile hits at most
// once, the lowest ship id winning, so the result is deterministic.
func Collide(g *Grid, ships, projectiles map[entity.ID]diff.Snapshot, owner map[entity.ID]entity.ID) []Hit {
	g.Clear()
	for id, s := range ships {
		g.Insert(vec(s, diff.KindPosition), Radius, id)
	}

	var (
		hits []Hit
		buf  []entity.ID
	)
	for _, pid := range sortedIDs(projectiles) {
		pos := vec(projectiles[pid], diff.KindPosition)
		buf = g.QueryBuf(pos, ProjectileRadius, buf[:0])
		best := entity.ID(0)
		for _, sid := range buf {
			if sid == owner[pid] || (best != 0 && sid >= best) {
				continue
			}
			if Overlap(pos, ProjectileRadius, vec(ships[sid], diff.KindPosition), Radius) {
				best = sid
			}
		}
		if best != 0 {
			hits = append(hits, Hit{Projectile: pid, Ship: best})
		}
	}
	return hits
}

// TakeDamage applies damage to a ship and reports whether it died.
func TakeDamage(s diff.Snapshot, dmg int) (diff.Snapshot, bool) {
	hp, _ := s[KindHP].(int)
	hp -= dmg
	if hp < 0 {
		hp = 0
	}
	out := s.Clone()
	out[KindHP] = hp
	return out, hp == 0
}

// Respawn resets a dead ship at pos, keeping its score.
func Respawn(s diff.Snapshot, pos diff.Vec2) diff.Snapshot {
	out := NewShip(pos)
	out[KindScore] = s[KindScore]
	return out
}

func sortedIDs(m map[entity.ID]diff.Snapshot) []entity.ID {
	out := make([]entity.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
