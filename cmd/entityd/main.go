// Entityd is a multi-tenant, schema-driven data API server.
//
// Tenants define entity schemas at runtime; the server validates, stores,
// lists, searches and transforms documents against them, firing configured
// actions and webhooks on every mutation.
//
// Usage:
//
//	# Start with defaults (in-memory store and cache)
//	entityd serve
//
//	# Configure via file and environment
//	entityd serve --config config.yaml
//	ENTITYD_SERVER_PORT=9090 entityd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/entityd/internal/cache"
	"github.com/fyrsmithlabs/entityd/internal/config"
	"github.com/fyrsmithlabs/entityd/internal/dispatch"
	"github.com/fyrsmithlabs/entityd/internal/embeddings"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
	"github.com/fyrsmithlabs/entityd/internal/identity"
	"github.com/fyrsmithlabs/entityd/internal/logging"
	"github.com/fyrsmithlabs/entityd/internal/query"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/server"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"github.com/fyrsmithlabs/entityd/internal/transform"
)

// Version information (set via ldflags during build)
var version = "dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "entityd",
	Short:   "Schema-driven data API server",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the entityd HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logging.Sync(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("entityd"))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()
		logger.Info("connected to nats", zap.String("url", cfg.NATS.URL))
	}

	docs, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	responseCache, err := buildCache(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey,
		Timeout: cfg.Embeddings.Timeout,
	}, responseCache, docs, logger.Named("embeddings"))
	if err != nil {
		return fmt.Errorf("building embedding service: %w", err)
	}

	gateway := store.NewGateway(docs, responseCache, embedder, cfg.Cache.ObjectTTL)

	var publisher dispatch.Publisher
	if nc != nil {
		publisher = nc
	}

	deps := server.Deps{
		Registry:  schema.NewRegistry(),
		Entities:  entitycache.NewService(docs, cfg.EntityCache.TTL, logger.Named("entitycache")),
		Gateway:   gateway,
		Query:     query.NewService(docs, responseCache, embedder, cfg.Cache.ListTTL, logger.Named("query")),
		Transform: transform.NewService(),
		Dispatch:  dispatch.NewDispatcher(publisher, logger.Named("dispatch")),
		Identity:  identity.NewMemoryProvider(),
	}

	srv, err := server.NewServer(deps, logger, &server.Config{
		Port:              cfg.Server.Port,
		WorkspaceOverride: cfg.Workspace.Override,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func buildStore(cfg *config.Config, logger *zap.Logger) (store.DocStore, func(), error) {
	switch cfg.Store.Provider {
	case "surrealdb":
		s, err := store.NewSurrealStore(
			cfg.Store.SurrealDB.URL,
			cfg.Store.SurrealDB.User,
			cfg.Store.SurrealDB.Pass,
			cfg.Store.SurrealDB.Namespace,
			cfg.Store.SurrealDB.Database,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to surrealdb: %w", err)
		}
		logger.Info("using surrealdb store", zap.String("url", cfg.Store.SurrealDB.URL))
		return s, s.Close, nil
	default:
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func buildCache(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (cache.Cache, error) {
	if cfg.Cache.Provider == "nats" {
		// Bucket retention must outlast every per-entry TTL in use.
		maxTTL := cfg.Cache.ObjectTTL
		if embeddings.QueryEmbeddingTTL > maxTTL {
			maxTTL = embeddings.QueryEmbeddingTTL
		}
		kv, err := cache.NewNATSKV(ctx, nc, cfg.Cache.Bucket, cfg.Cache.ListTTL, maxTTL, logger.Named("cache"))
		if err != nil {
			return nil, fmt.Errorf("building nats kv cache: %w", err)
		}
		logger.Info("using nats kv response cache", zap.String("bucket", cfg.Cache.Bucket))
		return kv, nil
	}
	logger.Info("using in-memory response cache")
	return cache.NewMemory(cfg.Cache.ListTTL), nil
}
