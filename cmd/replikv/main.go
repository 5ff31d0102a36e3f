// Command replikv runs one replica of the replicated key-value store.
//
// A replica is configured either with flags or a YAML file:
//
//	replikv -id 0000 -listen 127.0.0.1:9000 -peers 0001=127.0.0.1:9001,0002=127.0.0.1:9002
//	replikv -config replica0.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"replikv/internal/httpapi"
	"replikv/internal/metrics"
	"replikv/internal/pubsub"
	"replikv/internal/replica"
	"replikv/internal/statemachine"
	"replikv/internal/storage"
	"replikv/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		id         = flag.String("id", "", "this replica's id (generated when empty)")
		listen     = flag.String("listen", "", "UDP listen address, e.g. 127.0.0.1:9000")
		apiListen  = flag.String("api", "", "inspection API listen address (disabled when empty)")
		peersFlag  = flag.String("peers", "", "other replicas as id=host:port, comma separated")
		dbPath     = flag.String("db", "", "bbolt database path (in-memory log when empty)")
	)
	flag.Parse()

	cfg := &Config{}
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("replikv: %v", err)
		}
		cfg = loaded
	}
	if *id != "" {
		cfg.ID = *id
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *apiListen != "" {
		cfg.APIListen = *apiListen
	}
	if *peersFlag != "" {
		peers, err := parsePeers(*peersFlag)
		if err != nil {
			log.Fatalf("replikv: %v", err)
		}
		cfg.Peers = peers
	}
	if *dbPath != "" {
		cfg.Storage = StorageConfig{Backend: "bbolt", Path: *dbPath}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("replikv: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("replikv: %v", err)
	}
}

func run(cfg *Config) error {
	// A transport bind failure (e.g. address already in use) is the one
	// unrecoverable startup error; everything past this point is handled
	// locally by the protocol.
	tp, err := transport.NewUDP(cfg.ID, cfg.Listen, cfg.PeerAddrs())
	if err != nil {
		return err
	}
	defer tp.Close()

	logs, err := openLogStore(cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	sm := statemachine.New(cfg.ID)
	met := metrics.New()
	bus := pubsub.NewBroker()
	defer bus.Close()
	go logClusterEvents(cfg.ID, bus)

	rep, err := replica.New(replica.Config{
		ID:     replica.ReplicaID(cfg.ID),
		Peers:  cfg.PeerIDs(),
		Timing: cfg.TimingConfig(),
	}, tp, logs, sm, bus, met)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.APIListen != "" {
		api := httpapi.NewServer(cfg.APIListen, httpapi.NewRouter(rep, sm, met))
		go api.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := api.Shutdown(shutdownCtx); err != nil {
				log.Printf("[REPLIKV-%s] API shutdown: %v", cfg.ID, err)
			}
		}()
	}

	return rep.Run(ctx)
}

func openLogStore(cfg *Config) (replica.LogStore, error) {
	if cfg.Storage.Backend == "bbolt" {
		return storage.Open(cfg.Storage.Path)
	}
	return replica.NewMemoryLog(), nil
}

// logClusterEvents mirrors role and leader changes into the process log. It
// runs until the broker closes its channels.
func logClusterEvents(id string, bus *pubsub.Broker) {
	roleCh := make(chan *pubsub.Event[replica.RoleChange], 16)
	leaderCh := make(chan *pubsub.Event[replica.LeaderChange], 16)
	pubsub.Subscribe(bus, replica.RoleChanged, roleCh, pubsub.SubscriptionOptions{})
	pubsub.Subscribe(bus, replica.LeaderChanged, leaderCh, pubsub.SubscriptionOptions{})

	for roleCh != nil || leaderCh != nil {
		select {
		case ev, ok := <-roleCh:
			if !ok {
				roleCh = nil
				continue
			}
			log.Printf("[REPLIKV-%s] [TERM-%d] Now %s", id, ev.Payload.Term, ev.Payload.To)
		case ev, ok := <-leaderCh:
			if !ok {
				leaderCh = nil
				continue
			}
			log.Printf("[REPLIKV-%s] [TERM-%d] Leader is %s", id, ev.Payload.Term, ev.Payload.Leader)
		}
	}
}
