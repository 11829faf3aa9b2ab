// Package main is the entry point for the RelayStore sharded blob relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/relaystore/relaystore/internal/config"
	"github.com/relaystore/relaystore/internal/logging"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/metrics"
	"github.com/relaystore/relaystore/internal/registry"
	"github.com/relaystore/relaystore/internal/server"
	"github.com/relaystore/relaystore/internal/shard"
)

func main() {
	configPath := flag.String("config", "relaystore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 5000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxUploadSize := flag.Int64("max-upload-size", 0, "maximum upload size in bytes (default: from config or 67108864)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxUploadSize != 0 {
		cfg.Server.MaxUploadSize = *maxUploadSize
	}

	// Initialize structured logging.
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	// Initialize the SQLite metadata store. WAL auto-recovers on open, so
	// every startup doubles as recovery.
	dbPath := cfg.Metadata.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
		os.Exit(1)
	}
	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	pool, err := buildShardPool(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build shard pool: %v\n", err)
		os.Exit(1)
	}
	if pool.Len() == 0 {
		fmt.Fprintf(os.Stderr, "no shards configured: at least one shards.targets entry is required\n")
		os.Exit(1)
	}

	metrics.Register()
	metrics.PoolShards.Set(float64(pool.Len()))

	reg := registry.New(registry.Config{
		ServerTimeout: cfg.Registry.ServerTimeout,
		ClientTimeout: cfg.Registry.ClientHeartbeatTimeout,
	})

	srv, err := server.New(cfg, pool, store, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	// Background sweeps run until shutdown cancels them.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runSessionReaper(sweepCtx, srv, cfg)
	go runDeletionLogger(sweepCtx, srv, cfg)
	go runRetentionPurge(sweepCtx, srv, store, cfg)
	go runRegistrySweep(sweepCtx, reg, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("RelayStore listening", "addr", addr, "shards", pool.Len())
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)
		stopSweeps()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildShardPool constructs the shard pool from the configured targets, in
// config order. The config order is the round-robin order.
func buildShardPool(ctx context.Context, cfg *config.Config) (*shard.Pool, error) {
	shards := make([]shard.Shard, 0, len(cfg.Shards.Targets))
	for i, target := range cfg.Shards.Targets {
		capacity := target.CapacityBytes
		if capacity == 0 {
			capacity = cfg.Shards.DefaultCapacityBytes
		}

		switch target.Type {
		case "local", "":
			if target.Dir == "" {
				return nil, fmt.Errorf("shard %d: dir is required for a local shard", i)
			}
			name := target.Name
			if name == "" {
				name = filepath.Base(target.Dir)
			}
			sh, err := shard.NewLocalShard(target.Dir, name, capacity)
			if err != nil {
				return nil, fmt.Errorf("shard %d (%s): %w", i, name, err)
			}
			// Crash-only recovery: drop orphan temp files from interrupted writes.
			if err := sh.CleanTempFiles(); err != nil {
				slog.Warn("Failed to clean temp files", "shard", name, "error", err)
			}
			shards = append(shards, sh)
			slog.Info("Shard initialized", "type", "local", "name", name, "dir", target.Dir)

		case "sqlite":
			if target.Path == "" {
				return nil, fmt.Errorf("shard %d: path is required for a sqlite shard", i)
			}
			name := target.Name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(target.Path), filepath.Ext(target.Path))
			}
			sh, err := shard.NewSQLiteShard(target.Path, name, capacity)
			if err != nil {
				return nil, fmt.Errorf("shard %d (%s): %w", i, name, err)
			}
			shards = append(shards, sh)
			slog.Info("Shard initialized", "type", "sqlite", "name", name, "path", target.Path)

		case "s3":
			if target.Bucket == "" {
				return nil, fmt.Errorf("shard %d: bucket is required for an s3 shard", i)
			}
			name := target.Name
			if name == "" {
				name = target.Bucket
			}
			sh, err := shard.NewS3Shard(ctx, target.Bucket, target.Region, target.Endpoint,
				target.AccessKey, target.SecretKey, name, capacity)
			if err != nil {
				return nil, fmt.Errorf("shard %d (%s): %w", i, name, err)
			}
			shards = append(shards, sh)
			slog.Info("Shard initialized", "type", "s3", "name", name, "bucket", target.Bucket)

		default:
			return nil, fmt.Errorf("shard %d: unknown type %q", i, target.Type)
		}
	}
	return shard.NewPool(shards)
}

// runSessionReaper periodically evicts idle chunked upload sessions.
func runSessionReaper(ctx context.Context, srv *server.Server, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Lifecycle.SessionReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := srv.Sessions().ReapIdle(now, cfg.Lifecycle.SessionIdleTimeout); n > 0 {
				slog.Info("Reaped idle upload sessions", "count", n)
			}
			metrics.OpenSessions.Set(float64(srv.Sessions().OpenSessions()))
		}
	}
}

// runDeletionLogger periodically logs archives awaiting purge.
func runDeletionLogger(ctx context.Context, srv *server.Server, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Lifecycle.DeletionLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.Lifecycle().LogPending(ctx, now)
		}
	}
}

// runRetentionPurge periodically removes soft-deleted records whose retention
// window has elapsed.
func runRetentionPurge(ctx context.Context, srv *server.Server, store metadata.Store, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Lifecycle.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := srv.Lifecycle().PurgeExpired(ctx, now)
			if err != nil {
				slog.Error("Retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.RecordsPurgedTotal.Add(float64(n))
			}
			if pending, err := store.ListSoftDeleted(ctx); err == nil {
				metrics.SoftDeletedRecords.Set(float64(len(pending)))
			}
		}
	}
}

// runRegistrySweep periodically evicts expired servers (cascading to their
// clients) and prunes stale client heartbeats.
func runRegistrySweep(ctx context.Context, reg *registry.Registry, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Registry.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reg.Sweep(now)
		}
	}
}
