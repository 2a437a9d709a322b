// Discoverd is the media discovery personalization daemon.
//
// It learns user taste profiles from interactions, ranks candidate titles
// against those profiles and serves hybrid semantic/keyword search over a
// JSON HTTP API.
//
// Configuration is loaded from an optional YAML file and DISCOVERD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	discoverd
//
//	# Configure via file and environment
//	DISCOVERD_SERVER_HTTP_PORT=9090 discoverd -config discoverd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/discovery"
	"github.com/fyrsmithlabs/discoverd/internal/embeddings"
	"github.com/fyrsmithlabs/discoverd/internal/events"
	"github.com/fyrsmithlabs/discoverd/internal/http"
	"github.com/fyrsmithlabs/discoverd/internal/logging"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/telemetry"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("DISCOVERD_CONFIG"), "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  discoverd [-config file]   Start the discovery daemon\n")
			fmt.Fprintf(os.Stderr, "  discoverd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("discoverd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts discoverd and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize telemetry and logger
//  3. Open the vector store and embedding chain
//  4. Load the catalog and connect to NATS (optional)
//  5. Build the engine, optionally indexing the catalog
//  6. Serve HTTP until ctx is done, then shut down gracefully
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tcfg := telemetry.FromConfig(cfg.Telemetry)
	tcfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting discoverd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.HTTPPort),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Strings("embedding_providers", cfg.Embeddings.Providers),
		logging.Secret("openai_api_key", cfg.OpenAI.APIKey))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	engineDeps := discovery.Deps{
		Catalog:  deps.catalog,
		Store:    deps.store,
		Embedder: deps.embedder,
		Logger:   logger.Named("engine"),
	}
	if deps.natsConn != nil {
		engineDeps.Publisher = events.NewNATSPublisher(deps.natsConn, cfg.NATS.Subject)
	}
	engine, err := discovery.New(cfg, engineDeps)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.Catalog.IndexOnStart {
		if items := deps.catalog.All(); len(items) > 0 {
			n, err := engine.IndexItems(ctx, items)
			if err != nil {
				return fmt.Errorf("failed to index catalog: %w", err)
			}
			logger.Info("Catalog indexed", zap.Int("items", n))
		}
	}

	srv, err := http.NewServer(engine, deps.store, logger.Named("http"), &http.Config{
		Port:          cfg.Server.HTTPPort,
		Version:       version,
		EnableMetrics: cfg.Server.EnableMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, stdhttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return err
	}
	return nil
}

// dependencies holds infrastructure shared by the engine and the server.
type dependencies struct {
	store    vectorstore.Store
	embedder *embeddings.Service
	catalog  *media.MemoryCatalog
	natsConn *nats.Conn
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	lcfg, err := logging.FromConfig(cfg.Log)
	if err != nil {
		return nil, err
	}
	l, err := logging.NewLogger(lcfg, nil)
	if err != nil {
		return nil, err
	}
	return l.Underlying(), nil
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	store, err := vectorstore.NewStore(ctx, cfg, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	deps.store = store

	embedder, err := embeddings.New(cfg, logger.Named("embeddings"))
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	deps.embedder = embedder

	if cfg.Catalog.Path != "" {
		cat, err := media.LoadCatalogFile(cfg.Catalog.Path)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("catalog: %w", err)
		}
		deps.catalog = cat
		logger.Info("Catalog loaded", zap.String("path", cfg.Catalog.Path), zap.Int("items", len(cat.All())))
	} else {
		deps.catalog = media.NewMemoryCatalog()
	}

	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			// Event publishing is optional; learning still works without it.
			logger.Warn("NATS unavailable, interaction events disabled", zap.Error(err))
		} else {
			deps.natsConn = nc
		}
	}
	return deps, nil
}
