// Command opencodemem runs the per-project memory service: it owns the
// embedded store, the ingest/embedding/replication background loops, the
// embedded NATS bus backing live event streaming, and the public HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/opencodemem/opencodemem/internal/api"
	"github.com/opencodemem/opencodemem/internal/config"
	"github.com/opencodemem/opencodemem/internal/embedding"
	"github.com/opencodemem/opencodemem/internal/ingest"
	"github.com/opencodemem/opencodemem/internal/replicate"
	"github.com/opencodemem/opencodemem/internal/search"
	"github.com/opencodemem/opencodemem/internal/session"
	"github.com/opencodemem/opencodemem/internal/store"
	"github.com/opencodemem/opencodemem/internal/stream"
)

func main() {
	configPath := flag.String("config", config.DefaultUserConfigPath, "Path to the JSONC user config file")
	port := flag.Int("port", 0, "Override the listen port from the config file")
	flag.Parse()

	log.Println("===============================================")
	log.Println("  opencodemem - per-project memory service")
	log.Println("===============================================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[MAIN] failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Port = *port
	}

	runtime := config.NewRuntime(*cfg)

	st, err := store.Open(cfg.StoragePath)
	if err != nil {
		log.Fatalf("[MAIN] failed to open store at %s: %v", cfg.StoragePath, err)
	}
	defer st.Close()
	log.Printf("[MAIN] store ready at %s", cfg.StoragePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionSvc := session.New(st)

	var embedProvider embedding.Provider
	var embedWorker *embedding.Worker
	var semanticSearcher search.SemanticSearcher
	if cfg.Embedding.Enabled {
		embedProvider = embedding.NewOpenAICompatibleProvider(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model)
		embedWorker = embedding.NewWorker(st, embedProvider, 2*time.Second)
		if err := embedWorker.Backfill(100); err != nil {
			log.Printf("[MAIN] embedding backfill failed: %v", err)
		}
		go embedWorker.Run(ctx)
		semanticSearcher = embedding.NewSearcher(st, embedProvider)
		log.Println("[MAIN] embedding worker started")
	} else {
		log.Println("[MAIN] embedding disabled by configuration")
	}

	searchOrchestrator := search.New(st, semanticSearcher)

	var broadcaster *stream.Broadcaster
	var natsServer *natsserver.Server
	if cfg.SSE.Enabled {
		natsServer, err = natsserver.NewServer(&natsserver.Options{
			Port:     cfg.Bus.NATSPort,
			HTTPPort: -1,
			NoLog:    true,
			NoSigs:   true,
		})
		if err != nil {
			log.Fatalf("[MAIN] failed to create embedded NATS server: %v", err)
		}
		go natsServer.Start()
		if !natsServer.ReadyForConnections(5 * time.Second) {
			log.Fatal("[MAIN] embedded NATS server failed to start in time")
		}
		log.Printf("[MAIN] embedded NATS server started on port %d", cfg.Bus.NATSPort)

		natsURL := fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.NATSPort)
		broadcaster, err = stream.NewBroadcaster(natsURL)
		if err != nil {
			log.Fatalf("[MAIN] failed to start event broadcaster: %v", err)
		}
		log.Println("[MAIN] event stream broadcaster ready")
	} else {
		log.Println("[MAIN] SSE disabled by configuration")
	}

	var replicator *replicate.Replicator
	if cfg.Replication.URL != "" {
		upserter := replicate.NewHTTPUpserter(cfg.Replication.URL, "observations")
		var embedder replicate.Embedder
		if embedProvider != nil {
			embedder = embedProvider
		}
		replicator = replicate.New(st, upserter, embedder, "chroma")
		replicator.BatchSize = cfg.Replication.BatchSize
		interval := time.Duration(cfg.Replication.IntervalSeconds) * time.Second
		go replicator.RunPeriodic(ctx, interval)
		log.Printf("[MAIN] external replicator started against %s", cfg.Replication.URL)
	} else {
		log.Println("[MAIN] external replication unconfigured")
	}

	ingestProcessor := ingest.New(st)
	ingest.RegisterDefaultHandlers(ingestProcessor, ingest.Deps{
		Store:     st,
		Session:   sessionSvc,
		Embedding: optionalEnqueuer(embedWorker),
		Publisher: optionalPublisher(broadcaster),
		Runtime:   runtime,
	})
	go ingestProcessor.Run(ctx)
	log.Println("[MAIN] ingest processor started")

	mux := http.NewServeMux()
	api.NewServer(mux, api.Deps{
		Store:       st,
		Search:      searchOrchestrator,
		Session:     sessionSvc,
		Embedding:   embedWorker,
		Replicator:  replicator,
		Broadcaster: broadcaster,
		Ingestor:    ingestProcessor,
		Runtime:     runtime,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	go func() {
		log.Printf("[MAIN] HTTP API listening on port %d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MAIN] HTTP server error: %v", err)
		}
	}()

	log.Println("===============================================")
	log.Printf("  opencodemem ready on http://localhost:%d", cfg.Port)
	log.Println("===============================================")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[MAIN] shutdown signal received")

	// Stop poll loops before closing the store they depend on.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] HTTP server shutdown error: %v", err)
	}

	if broadcaster != nil {
		broadcaster.Close()
	}
	if natsServer != nil {
		natsServer.Shutdown()
	}

	log.Println("[MAIN] opencodemem shutdown complete")
}

// optionalEnqueuer returns a nil ingest.EmbeddingEnqueuer (not a non-nil
// interface wrapping a nil pointer) when w is nil.
func optionalEnqueuer(w *embedding.Worker) ingest.EmbeddingEnqueuer {
	if w == nil {
		return nil
	}
	return w
}

// optionalPublisher returns a nil ingest.Publisher when b is nil, for the
// same reason as optionalEnqueuer.
func optionalPublisher(b *stream.Broadcaster) ingest.Publisher {
	if b == nil {
		return nil
	}
	return b
}
