package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"spaceship-netsync/entity"
	"spaceship-netsync/netstats"
	"spaceship-netsync/netsync"
	"spaceship-netsync/ship"
	"spaceship-netsync/tick"
	"spaceship-netsync/transport"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "Server websocket URL")
	token := flag.String("token", "", "Connect token from /login")
	tickRate := flag.Int("tick-rate", tick.DefaultTickRate, "Simulation steps per second, must match the server")
	sendRate := flag.Int("send-rate", tick.DefaultSendRate, "Server batches per second")
	dbPath := flag.String("db", "", "SQLite database for client-side network events (optional)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Seed for the bot's steering")
	latency := flag.Int("latency", 0, "Extra one-way latency in ticks, added in both directions")
	flag.Parse()

	var db *netstats.DB
	if *dbPath != "" {
		var err error
		if db, err = netstats.OpenDB(*dbPath); err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
	}
	rec := netstats.NewRecorder(db)
	defer rec.Close()

	reg, err := ship.NewRegistry()
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := transport.DialWebSocket(ctx, *url, *token, transport.DefaultConfig())
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	cfg := netsync.DefaultClientConfig()
	cfg.TickRate = *tickRate
	cfg.SendInterval = max(1, *tickRate / max(1, *sendRate))
	var tr transport.Transport = conn
	if *latency > 0 {
		dur := tick.DurationFor(*tickRate)
		start := time.Now()
		tr = transport.NewDelayed(conn, *latency, dur, func() tick.Tick {
			return tick.Tick(time.Since(start) / dur)
		})
		log.Printf("simulating %d ticks of latency each way", *latency)
	}

	clock := tick.NewClock(tick.Config{TickRate: *tickRate})
	client := ship.NewClient(cfg, reg, tr, clock)

	b := newBot(rand.New(rand.NewSource(*seed)))
	client.OnInput(func(id entity.ID, at tick.Tick) (ship.Input, bool) {
		s, ok := client.State(id)
		if !ok {
			return ship.Input{}, false
		}
		return b.input(s, at), true
	})
	track(rec, client, clock)
	client.Events().OnDisconnected(func(entity.PeerID) { cancel() })

	log.Printf("bot connecting to %s", *url)
	client.Run(ctx)
	client.Close()
}

// track records client-side prediction events.
func track(rec *netstats.Recorder, c *netsync.Client[ship.Input], clock *tick.Clock) {
	peer := func() uint32 {
		p, _ := c.Peer()
		return uint32(p)
	}
	speculative := make(map[entity.ID]tick.Tick)

	ev := c.Events()
	ev.OnConnected(func(p entity.PeerID) {
		rec.Track(netstats.EvtConnected, uint32(p), 0, uint32(clock.Now()), "")
	})
	ev.OnDisconnected(func(p entity.PeerID) {
		rec.Track(netstats.EvtDisconnected, uint32(p), 0, uint32(clock.Now()), "")
	})
	ev.OnSpawned(func(id entity.ID) {
		if r, ok := c.Record(id); ok && r.Speculative {
			speculative[id] = r.SpawnTick
		}
	})
	ev.OnPromoted(func(local, remote entity.ID) {
		at := speculative[local]
		delete(speculative, local)
		rec.Track(netstats.EvtPromoted, peer(), uint64(remote), uint32(clock.Now()),
			fmt.Sprintf("local=%d lag=%d", local, clock.Now().Diff(at)))
	})
	ev.OnDespawned(func(id entity.ID) {
		if at, ok := speculative[id]; ok {
			delete(speculative, id)
			rec.Track(netstats.EvtOrphaned, peer(), uint64(id), uint32(at), "")
		}
	})
	ev.OnRollback(func(id entity.ID, at tick.Tick) {
		rec.Track(netstats.EvtRollback, peer(), uint64(id), uint32(at),
			fmt.Sprintf("depth=%d", clock.Now().Diff(at)))
	})
}
