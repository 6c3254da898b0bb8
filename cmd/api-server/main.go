package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/occultashield/shield-api/api"
	"github.com/occultashield/shield-api/auth"
	"github.com/occultashield/shield-api/clients"
	"github.com/occultashield/shield-api/config"
	"github.com/occultashield/shield-api/db"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/knowledge"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/pipeline"
	"github.com/occultashield/shield-api/progress"
	"github.com/occultashield/shield-api/verification"
	"github.com/occultashield/shield-api/video"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	fs := flag.NewFlagSet("shield-api", flag.ExitOnError)
	cli := config.Cli{}
	version := fs.Bool("version", false, "print application version")
	cli.AddFlags(fs)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarNoPrefix()); err != nil {
		fatal("error parsing cli", err)
	}
	if len(fs.Args()) > 0 {
		fatal("unexpected extra arguments on command line", fmt.Errorf("%v", fs.Args()))
	}
	if *version {
		fmt.Printf("shield-api version: %s\n", config.Version)
		return
	}
	if err := cli.RequireDBCredentials(); err != nil {
		fatal("missing credentials", err)
	}

	cfg, err := config.LoadFile(cli.ConfigFile)
	if err != nil {
		fatal("error loading config file", err)
	}
	if cli.StorageRoot != "" {
		cfg.Storage.Root = cli.StorageRoot
	}
	if cli.MaxWorkers > 0 {
		cfg.Verification.MaxWorkers = cli.MaxWorkers
	}

	store, err := db.Connect(db.Config{
		URL:       cli.SurrealURL,
		Namespace: cli.SurrealNamespace,
		Database:  cli.SurrealDatabase,
		User:      cli.SurrealUser,
		Pass:      cli.SurrealPass,
	})
	if err != nil {
		fatal("error connecting to record store", err)
	}
	defer store.Close()

	// Anything left mid-phase by the previous process cannot be resumed.
	if recoveredCount, err := store.RecoverInterrupted(); err != nil {
		log.LogNoVideoID("error recovering interrupted videos", "err", err)
	} else if recoveredCount > 0 {
		log.LogNoVideoID("marked interrupted videos as errored", "count", recoveredCount)
	}

	rootCtx := context.Background()
	var embedder knowledge.Embedder
	if cli.EmbeddingModel != "" {
		embedder = clients.NewEmbeddingClient(cli.VisionURL, cli.EmbeddingModel)
	}
	graph, err := knowledge.NewClient(rootCtx, cli.Neo4jURI, cli.Neo4jUser, cli.Neo4jPassword, embedder)
	if err != nil {
		fatal("error creating knowledge graph client", err)
	}
	defer graph.Close(rootCtx) //nolint:errcheck

	inference := clients.NewInferenceClient(cli.InferenceURL)
	vision := clients.NewVisionClient(cli.VisionURL, cli.VisionModelID)
	pool := detection.NewPool(rootCtx, inference, cfg.Detector)
	broker := progress.NewBroker()
	dispatcher := verification.NewDispatcher(vision, graph, cfg.Verification.MaxWorkers)
	prober := video.Probe{}

	coordinator := pipeline.NewCoordinator(
		store, broker, pool, dispatcher, prober, cfg,
		time.Duration(cli.PipelineTimeout)*time.Second,
	)

	var verifier *auth.Verifier
	if cli.JWTSecret != "" {
		verifier = auth.NewVerifier(cli.JWTSecret)
	}

	group, ctx := errgroup.WithContext(rootCtx)

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, fmt.Sprintf("0.0.0.0:%d", cli.Port), cli.APIToken, coordinator, store, store, broker, verifier)
	})

	group.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := http.Server{Addr: fmt.Sprintf("0.0.0.0:%d", cli.PromPort), Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx) //nolint:errcheck
		}()
		return server.ListenAndServe()
	})

	err = group.Wait()
	log.LogNoVideoID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoVideoID("caught signal, attempting clean shutdown", "signal", s)
			return fmt.Errorf("caught signal %s", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatal(msg string, err error) {
	log.LogNoVideoID(msg, "err", err)
	os.Exit(1)
}
