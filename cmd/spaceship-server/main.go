package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"

	"spaceship-netsync/entity"
	"spaceship-netsync/netstats"
	"spaceship-netsync/netsync"
	"spaceship-netsync/ship"
	"spaceship-netsync/tick"
	"spaceship-netsync/transport"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "netstats.db", "SQLite database for settings and network events")
	password := flag.String("password", "", "Join password (empty lets anyone join)")
	tickRate := flag.Int("tick-rate", tick.DefaultTickRate, "Simulation steps per second")
	sendRate := flag.Int("send-rate", tick.DefaultSendRate, "Replication batches per second")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Seed for spawn points")
	publicURL := flag.String("public-url", "", "Base URL encoded in the join QR code (default: from the request)")
	prof := flag.String("profile", "", "Write a cpu or mem profile to the working directory")
	flag.Parse()

	switch *prof {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	default:
		log.Fatalf("unknown profile %q (want cpu or mem)", *prof)
	}

	db, err := netstats.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	rec := netstats.NewRecorder(db)
	defer rec.Close()

	auth := transport.NewAuthenticator(db)
	if err := auth.SetPassword(*password); err != nil {
		log.Fatalf("set password: %v", err)
	}

	reg, err := ship.NewRegistry()
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	ws := transport.NewWebSocketServer(transport.DefaultConfig(), auth)
	clock := tick.NewClock(tick.Config{TickRate: *tickRate})

	cfg := netsync.DefaultServerConfig()
	cfg.Replication.SendInterval = max(1, *tickRate / max(1, *sendRate))
	game := ship.NewGame(*tickRate, *seed)
	srv := ship.NewServer(cfg, reg, ws, game)
	track(rec, srv, game, clock)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go srv.Run(ctx, clock)

	server := &http.Server{Addr: *addr, Handler: SetupRoutes(ws, auth, db, *publicURL)}
	go func() {
		log.Printf("Server starting on %s at %d Hz, batches every %d ticks", *addr, *tickRate, cfg.Replication.SendInterval)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("ListenAndServe: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	server.Close()
	ws.Close()
	if n := rec.Dropped(); n > 0 {
		log.Printf("dropped %d network events", n)
	}
}

// track records server lifecycle events.
func track(rec *netstats.Recorder, srv *netsync.Server, game *ship.Game, clock *tick.Clock) {
	ev := srv.Events()
	ev.OnConnected(func(p transport.PeerID) {
		rec.Track(netstats.EvtConnected, uint32(p), 0, uint32(clock.Now()), "")
	})
	ev.OnDisconnected(func(p transport.PeerID) {
		rec.Track(netstats.EvtDisconnected, uint32(p), 0, uint32(clock.Now()), "")
	})
	ev.OnSpawned(func(id entity.ID) {
		var owner uint32
		if r, ok := srv.World().Get(id); ok {
			owner = uint32(r.Owner)
		}
		rec.Track(netstats.EvtSpawn, owner, uint64(id), uint32(clock.Now()), "")
	})
	ev.OnDespawned(func(id entity.ID) {
		rec.Track(netstats.EvtDespawn, 0, uint64(id), uint32(clock.Now()), "")
	})
	game.OnKill(func(killer, victim entity.ID, at tick.Tick) {
		var peer uint32
		if r, ok := srv.World().Get(killer); ok {
			peer = uint32(r.Owner)
		}
		rec.Track(netstats.EvtKill, peer, uint64(victim), uint32(at), fmt.Sprintf("killer=%d", killer))
	})
}
