package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-ledger/internal/api"
	"github.com/atmx/vault-ledger/internal/config"
	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/ledger"
	"github.com/atmx/vault-ledger/internal/lock"
	"github.com/atmx/vault-ledger/internal/logging"
	"github.com/atmx/vault-ledger/internal/metrics"
	"github.com/atmx/vault-ledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Format == "console",
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
		MaxAge:  cfg.Log.MaxAge,
	})
	logger := logging.Component("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var primary store.Store
	var opts []ledger.Option

	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pool.Close)
		primary = store.NewPostgresStore(pool)
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		primary = store.NewMemoryStore()
	}

	// Redis serves query reads and, across instances, record locks.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		opts = append(opts,
			ledger.WithCache(store.NewCachedStore(primary, rdb, cfg.Redis.CacheTTL)),
			ledger.WithLocker(lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)),
		)
		logger.Info().Dur("cache_ttl", cfg.Redis.CacheTTL).Msg("Redis cache and locks enabled")
	}

	// --- Event sinks ---
	wsHub := api.NewWSHub(logging.Component("ws"))
	go wsHub.Run(ctx)
	sinks := events.Fanout{wsHub}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("vault-ledger"))
		if err != nil {
			logger.Fatal().Err(err).Msg("NATS connection failed")
		}
		cleanup = append(cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			logger.Fatal().Err(err).Msg("JetStream unavailable")
		}
		if err := events.EnsureStream(ctx, js, cfg.NATS.Stream); err != nil {
			logger.Fatal().Err(err).Msg("ensure event stream")
		}
		pub := events.NewJetStreamPublisher(js, cfg.NATS.QueueDepth, logging.Component("jetstream"))
		go pub.Run(ctx)
		sinks = append(sinks, pub)
		logger.Info().Str("stream", cfg.NATS.Stream).Msg("publishing events to JetStream")
	}

	eng := ledger.New(primary, append(opts,
		ledger.WithPublisher(sinks),
		ledger.WithLogger(logging.Component("ledger")),
	)...)

	// --- HTTP router ---
	svc := api.NewService(eng, logging.Component("api"), api.WithFaucet(cfg.Server.Faucet))
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	limiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go limiter.Run(ctx, 5*time.Minute)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, trusting the X-Identity header")
	}
	if cfg.Server.Faucet {
		logger.Warn().Msg("development faucet enabled")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.IdentityHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", api.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of committed events; long-lived, so no timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			r.Use(auth.Middleware)
			r.Use(api.AccessLog(logging.Component("http")))
			r.Use(limiter.Middleware)
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("vault-ledger listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info().Msg("shutting down vault-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("vault-ledger stopped")
}
