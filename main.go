package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/texweave/node/crdt"
	"github.com/texweave/node/internal/config"
	"github.com/texweave/node/peer"
	"github.com/texweave/node/persistence"
	"github.com/texweave/node/registry"
	"github.com/texweave/node/session"
	"github.com/texweave/node/transport"
)

func main() {
	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", "path", configPath, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := crdt.NewEngine()
	reg := registry.NewRegistry(engine)
	peers := peer.NewRegistry(0)
	hook := persistence.NewFilesystemHook(reg, cfg.Storage.DocumentsPath, log)

	p2p, err := transport.NewP2PTransport(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start p2p transport", "err", err)
		os.Exit(1)
	}
	defer p2p.Close()
	log.Info("p2p host started", "peer_id", p2p.LocalPeerID())

	router := session.NewRouter(reg, p2p, peers, log)
	p2p.SetIncomingHandler(router)
	manager := session.NewManager(reg, router, p2p, log)

	if len(cfg.Network.BootstrapNodes) > 0 {
		p2p.DialBootstrap(ctx, cfg.Network.BootstrapNodes)
	}

	wsHandler := transport.NewHandler(manager, log)
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	wsAddr := fmt.Sprintf("%s:%d", cfg.Server.WSHost, cfg.Server.WSPort)
	srv := &http.Server{Addr: wsAddr, Handler: mux}

	go func() {
		log.Info("client protocol listening", "addr", wsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ws server failed", "err", err)
		}
	}()

	if cfg.Storage.EnableAutosave {
		go persistence.RunAutosave(ctx, reg, hook, cfg.Storage.AutosaveInterval(), log)
	}

	go superviseForever(ctx, log, "peer-liveness-sweep", func() {
		peers.PruneIdle()
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if cfg.Storage.EnableAutosave {
		for _, doc := range reg.ListDocuments(registry.FilterAll()) {
			if doc.Handle() == nil {
				continue
			}
			if _, err := hook.Snapshot(doc.ID); err != nil {
				log.Warn("final snapshot failed", "document", doc.ID, "err", err)
			}
		}
	}
}

// superviseForever runs tick once a minute until ctx is cancelled. A panic
// inside tick is recovered and the loop is respawned with backoff (spec §7:
// "a fatal error in a background task does not terminate the node; the
// task is respawned with backoff").
func superviseForever(ctx context.Context, log *slog.Logger, name string, tick func()) {
	log = log.With("task", name)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		if runOnce(log, tick) {
			b.Reset()
		} else {
			d := b.NextBackOff()
			log.Info("respawning after panic", "delay", d)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}

func runOnce(log *slog.Logger, tick func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("background task panicked", "recover", r)
			ok = false
		}
	}()
	tick()
	return true
}
