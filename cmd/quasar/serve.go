package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/protocol"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/supervisor"
)

const shutdownHardLimit = 30 * time.Second

func serveCmd() *cobra.Command {
	var (
		configPath string
		opsAddr    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  "Run the Quasar gateway: account runtimes, webhook delivery workers and the ops endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if opsAddr != "" {
				cfg.Daemon.OpsAddr = opsAddr
			}
			if logLevel != "" {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.Init(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace)
			}

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(ctx)

			st, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			opts := supervisor.Options{}
			if cfg.Redis.Enabled {
				redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
				if err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				subCache := cache.NewReplicatedCache(
					cache.NewInMemoryCache(),
					redisCache,
					cache.NewRedisBus(redisCache.Client()),
					10*time.Second,
				)
				// Peer processes broadcast subscription edits here; the
				// subscriber keeps this instance's local tier coherent.
				busCtx, busCancel := context.WithCancel(ctx)
				defer busCancel()
				go subCache.Start(busCtx)
				defer subCache.Close()
				opts.SubscriptionCache = subCache
			}

			sup := supervisor.New(cfg, st, protocol.DefaultDialer(), opts)
			if err := sup.Start(ctx); err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}

			opsServer := &http.Server{
				Addr:    cfg.Daemon.OpsAddr,
				Handler: opsHandler(st),
			}
			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("ops endpoint started", "addr", cfg.Daemon.OpsAddr)
				if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
			case err := <-errCh:
				logging.Op().Error("ops server failed", "error", err)
			}

			// Hard exit guard: a hung flush must not keep the process alive.
			forceTimer := time.AfterFunc(shutdownHardLimit, func() {
				logging.Op().Error("graceful shutdown overran, forcing exit")
				os.Exit(1)
			})
			defer forceTimer.Stop()

			sup.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return opsServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	cmd.Flags().StringVar(&opsAddr, "ops-addr", "", "Health and metrics listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// opsHandler serves liveness, readiness and metrics. These paths are never
// rate limited.
func opsHandler(st store.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pong")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := st.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"store unavailable"}`)
			return
		}
		fmt.Fprint(w, `{"status":"ready"}`)
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
