// Package main is the CLI entry point for rubberduckd — a locally-hosted
// reverse-proxy fleet that emulates the wire protocols of several
// commercial LLM providers, applies a configurable failure-simulation
// pipeline, and serves a content-addressed response cache in front of
// each real upstream.
//
// Architecture overview:
//
//	management API (:7890)         per-proxy listeners (:8001-9999)
//	    |                               |
//	    +-- proxy CRUD + lifecycle      +-- failure simulator
//	    +-- failure-config editing      +-- cache lookup/store
//	    +-- cache control                +-- provider adapter forward
//	    +-- log query/export             +-- audit log entry
//	    +-- dashboard metrics/feed
//
// CLI commands (cobra):
//
//	rubberduckd serve    - start the management API and lifecycle manager
//	rubberduckd version  - print build version
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

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rubberduck/rubberduck/internal/activity"
	"github.com/rubberduck/rubberduck/internal/cache"
	"github.com/rubberduck/rubberduck/internal/config"
	"github.com/rubberduck/rubberduck/internal/failsim"
	"github.com/rubberduck/rubberduck/internal/handler"
	"github.com/rubberduck/rubberduck/internal/lifecycle"
	"github.com/rubberduck/rubberduck/internal/logging"
	"github.com/rubberduck/rubberduck/internal/management"
	"github.com/rubberduck/rubberduck/internal/provider"
	"github.com/rubberduck/rubberduck/internal/ratelimit"
	"github.com/rubberduck/rubberduck/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	dbPath     string
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rubberduckd",
	Short: "rubberduckd — a local reverse-proxy fleet emulating LLM provider wire protocols",
	Long: `rubberduckd terminates client traffic on per-proxy ports, runs a
configurable failure-simulation pipeline, consults a content-addressed
response cache, and forwards surviving requests to the real upstream
with credentials flowing through untouched.

Run 'rubberduckd serve' to start the management API and lifecycle
manager.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "rubberduckd.yaml", "path to the server config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the sqlite store (overrides config)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "management API listen address host:port (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the rubberduckd version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("rubberduckd %s (commit %s)\n", version, commit)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the management API and proxy lifecycle manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func newLogger() *slog.Logger {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func runServe() error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry := provider.NewRegistry(cfg.Bedrock.DefaultRegion)
	c := cache.New(st, cfg.Cache.MaxEntryBytes)
	limiter := ratelimit.New()
	defer limiter.Close()
	sim := failsim.New(limiter)
	hub := activity.NewHub()
	go hub.Run()

	promReg := prometheus.NewRegistry()
	metrics := logging.NewAggregator(st, promReg)

	upstreamClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     120 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	lc := lifecycle.New(st, log, func(proxyID string) http.Handler {
		return handler.New(handler.Deps{
			Adapters: registry,
			Sim:      sim,
			Cache:    c,
			Store:    st,
			Activity: hub,
			Metrics:  metrics,
			Log:      log,
			Client:   upstreamClient,
		}, proxyID)
	})

	if err := lc.BootRecover(); err != nil {
		log.Error("boot recovery failed", "error", err)
	}

	watcher, err := config.NewWatcher(configPath, config.WatchTargets{
		OnConfigChange: func() {
			reloaded, err := config.Load(configPath)
			if err != nil {
				log.Warn("config reload failed", "error", err)
				return
			}
			cfg.Bedrock.DefaultRegion = reloaded.Bedrock.DefaultRegion
			cfg.Cache.MaxEntryBytes = reloaded.Cache.MaxEntryBytes

			if bedrock, ok := registry.Get("aws_bedrock"); ok {
				if rc, ok := bedrock.(provider.RegionConfigurable); ok {
					rc.SetDefaultRegion(cfg.Bedrock.DefaultRegion)
				}
			}
			c.SetMaxEntryBytes(cfg.Cache.MaxEntryBytes)

			log.Info("config reloaded", "bedrock_region", cfg.Bedrock.DefaultRegion, "cache_max_entry_bytes", cfg.Cache.MaxEntryBytes)
		},
	})
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	mgmt := management.New(st, c, registry, lc, limiter, metrics, hub, log)

	mux := http.NewServeMux()
	mux.Handle("/", mgmt)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	addr := listenAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("management API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		log.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("management API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("management API shutdown error", "error", err)
	}

	lc.ShutdownAll()

	log.Info("stopped")
	return nil
}
