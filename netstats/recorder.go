package netstats

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Event types recorded by the runtimes.
const (
	EvtConnected    = "connected"
	EvtDisconnected = "disconnected"
	EvtSpawn        = "spawn"
	EvtDespawn      = "despawn"
	EvtRollback     = "rollback"
	EvtPromoted     = "prespawn_promoted"
	EvtOrphaned     = "prespawn_orphaned"
	EvtKill         = "kill"
)

const (
	queueSize     = 1024
	flushBatch    = 50
	flushInterval = 5 * time.Second
)

// Event is one recorded occurrence.
type Event struct {
	Type   string
	Peer   uint32
	Entity uint64
	Tick   uint32
	Detail string
	At     time.Time
}

// Recorder writes events in batches from a background goroutine so the
// simulation loop never waits on disk.
type Recorder struct {
	db     *DB
	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	dropped int
}

// NewRecorder creates and starts the background writer. A nil db discards
// every event.
func NewRecorder(db *DB) *Recorder {
	r := &Recorder{
		db:     db,
		events: make(chan Event, queueSize),
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writer(flushInterval)
	return r
}

// Track enqueues an event for async persistence (non-blocking)
func (r *Recorder) Track(evtType string, peer uint32, ent uint64, at uint32, detail string) {
	select {
	case r.events <- Event{Type: evtType, Peer: peer, Entity: ent, Tick: at, Detail: detail, At: time.Now().UTC()}:
	default:
		// channel full, drop rather than block the tick
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes pending events and stops the writer. The database stays
// open.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

func (r *Recorder) writer(interval time.Duration) {
	defer r.wg.Done()

	batch := make([]Event, 0, 64)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-r.events:
			batch = append(batch, evt)
			if len(batch) >= flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stop:
			// drain what is already queued
			for {
				select {
				case evt := <-r.events:
					batch = append(batch, evt)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(events []Event) {
	if r.db == nil || len(events) == 0 {
		return
	}
	if err := r.db.insertEvents(events); err != nil {
		log.Printf("netstats: %v", err)
	}
}

func (db *DB) insertEvents(events []Event) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO net_events (event_type, peer_id, entity_id, tick, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "prepare")
	}
	defer stmt.Close()

	for _, evt := range events {
		peer := sql.NullInt64{Int64: int64(evt.Peer), Valid: evt.Peer > 0}
		ent := sql.NullInt64{Int64: int64(evt.Entity), Valid: evt.Entity > 0}
		detail := sql.NullString{String: evt.Detail, Valid: evt.Detail != ""}
		if _, err := stmt.Exec(evt.Type, peer, ent, evt.Tick, detail, evt.At.Format(time.RFC3339)); err != nil {
			log.Printf("netstats: insert error: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "commit")
	}
	return nil
}

// Counts returns the number of stored events per type.
func (db *DB) Counts() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT event_type, COUNT(*) FROM net_events GROUP BY event_type`)
	if err != nil {
		return nil, eris.Wrap(err, "count events")
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var evtType string
		var count int
		if err := rows.Scan(&evtType, &count); err != nil {
			continue
		}
		result[evtType] = count
	}
	return result, rows.Err()
}

// PeerEvents returns the stored events of one peer, oldest first.
func (db *DB) PeerEvents(peer uint32, limit int) ([]Event, error) {
	rows, err := db.conn.Query(`
		SELECT event_type, COALESCE(entity_id, 0), tick, COALESCE(detail, ''), created_at
		FROM net_events WHERE peer_id = ? ORDER BY id LIMIT ?
	`, peer, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "events of peer %d", peer)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		e := Event{Peer: peer}
		var created string
		if err := rows.Scan(&e.Type, &e.Entity, &e.Tick, &e.Detail, &created); err != nil {
			continue
		}
		e.At, _ = time.Parse(time.RFC3339, created)
		result = append(result, e)
	}
	return result, rows.Err()
}
