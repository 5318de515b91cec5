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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/options-amm/internal/api"
	"github.com/atmx/options-amm/internal/config"
	"github.com/atmx/options-amm/internal/engine"
	"github.com/atmx/options-amm/internal/metrics"
	"github.com/atmx/options-amm/internal/store"
)

func main() {
	flags := newFlagSet(pflag.ExitOnError)
	flags.Parse(os.Args[1:])

	cfgFile, _ := flags.GetString("config")
	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	engineCfg, err := cfg.Engine()
	if err != nil {
		slog.Error("engine config", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	factory, cleanup, err := openStores(context.Background(), cfg)
	if err != nil {
		slog.Error("store init failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Pool registry ---
	registry := engine.NewRegistry(factory, engineCfg, engine.WithNotifier(wsHub))
	handler := api.NewHandler(registry)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"options-amm"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for pool events.
		r.Get("/ws", wsHub.HandleWS)
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("options-amm listening", "port", cfg.Port, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	// Graceful shutdown on signal or server failure.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down options-amm...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
	fmt.Println("options-amm stopped")
}

func newFlagSet(handling pflag.ErrorHandling) *pflag.FlagSet {
	flags := pflag.NewFlagSet("amm-server", handling)
	flags.String("config", "", "config file path")
	flags.String("port", "8080", "HTTP listen port")
	flags.String("store", config.StoreMemory, "state backend (memory, postgres, pebble)")
	flags.String("database-url", "", "PostgreSQL connection URL")
	flags.String("redis-url", "", "Redis URL for the read-through cache")
	flags.Duration("redis-ttl", 30*time.Second, "Redis cache TTL")
	flags.String("pebble-path", "./data/amm", "Pebble data directory")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	config.AddEngineFlags(flags)
	return flags
}

// openStores connects the configured backend and returns a per-pool store
// factory plus the cleanups to run on exit.
func openStores(ctx context.Context, cfg config.Config) (engine.StoreFactory, []func(), error) {
	var cleanup []func()
	var factory engine.StoreFactory

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		factory = func(poolID string) (store.Store, error) {
			return store.NewPostgresStore(pool, poolID), nil
		}
		slog.Info("connected to PostgreSQL")

	case config.StorePebble:
		db, err := store.OpenPebble(cfg.PebblePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble: %w", err)
		}
		cleanup = append(cleanup, func() { db.Close() })
		factory = func(poolID string) (store.Store, error) {
			return store.NewPebbleStore(db, poolID), nil
		}
		slog.Info("opened Pebble store", "path", cfg.PebblePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return func(string) (store.Store, error) { return store.NewMemoryStore(), nil }, nil, nil
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid redis-url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		primary := factory
		factory = func(poolID string) (store.Store, error) {
			st, err := primary(poolID)
			if err != nil {
				return nil, err
			}
			return store.NewCachedStore(st, rdb, cfg.RedisTTL, poolID), nil
		}
		slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
	}
	return factory, cleanup, nil
}
