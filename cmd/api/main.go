// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command api is the entry point for the Tradepost auth HTTP API server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Connect to PostgreSQL (pgxpool) and run migrations.
//  4. Connect to Redis; an unreachable Redis starts the stores on their fallback.
//  5. Open the durable fallback backends (Postgres or bbolt).
//  6. Wire stores, the auth orchestrator and HTTP handlers.
//  7. Start the sweeper and the HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taibuivan/tradepost/internal/api"
	"github.com/taibuivan/tradepost/internal/platform/bolt"
	"github.com/taibuivan/tradepost/internal/platform/config"
	"github.com/taibuivan/tradepost/internal/platform/constants"
	"github.com/taibuivan/tradepost/internal/platform/failover"
	"github.com/taibuivan/tradepost/internal/platform/janitor"
	"github.com/taibuivan/tradepost/internal/platform/metrics"
	"github.com/taibuivan/tradepost/internal/platform/migration"
	"github.com/taibuivan/tradepost/internal/platform/notify"
	pgstore "github.com/taibuivan/tradepost/internal/platform/postgres"
	redisstore "github.com/taibuivan/tradepost/internal/platform/redis"
	"github.com/taibuivan/tradepost/internal/platform/sec"
	"github.com/taibuivan/tradepost/internal/users/auth"
	"github.com/taibuivan/tradepost/internal/users/onetime"
	"github.com/taibuivan/tradepost/internal/users/otp"
	"github.com/taibuivan/tradepost/internal/users/session"

	"github.com/jackc/pgx/v5/pgxpool"
)

// durable holds the fallback backend of every store.
type durable struct {
	session session.Backend
	otp     otp.Backend
	onetime onetime.Backend
	close   func()
}

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("service_initializing", slog.String("version", constants.AppVersion))

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("durable_backend", cfg.DurableBackend),
	)

	// Root context for startup. A deadline so misconfiguration is caught
	// quickly rather than hanging indefinitely.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// ── 3. PostgreSQL ─────────────────────────────────────────────────────
	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, pgstore.Options{StatementTimeout: cfg.StoreTimeout}, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing_postgres_pool")
		pool.Close()
	}()

	must(log, migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log), "run migrations")

	// ── 4. Redis ──────────────────────────────────────────────────────────
	rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, redisstore.Options{
		MaxRetries:      cfg.RedisMaxRetries,
		MaxRetryBackoff: cfg.RedisMaxRetryBackoff,
	}, log)
	if rdb == nil {
		must(log, err, "configure redis")
	}
	if err != nil {
		log.Warn("redis_unreachable_starting_on_fallback", slog.Any("error", err))
	}
	defer func() {
		log.Info("closing_redis_client")
		if cerr := rdb.Close(); cerr != nil {
			log.Error("redis_close_error", slog.Any("error", cerr))
		}
	}()

	// ── 5. Durable Fallback ───────────────────────────────────────────────
	fallback, err := openDurable(cfg, pool)
	must(log, err, "open durable backend")
	defer fallback.close()

	// ── 6. Stores & Domain Wiring ─────────────────────────────────────────
	registry := metrics.New()
	switchOptions := failover.Options{
		Timeout:   cfg.StoreTimeout,
		HealthTTL: cfg.HealthCacheTTL,
		Metrics:   registry,
		Logger:    log,
	}

	sessions := session.NewStore(
		failover.New(session.StoreName, session.Backend(session.NewRedisBackend(rdb)), fallback.session, switchOptions),
		cfg.RefreshTokenTTL,
	)

	sender := notify.NewLogSender(log)
	codes := otp.NewManager(
		failover.New(otp.StoreName, otp.Backend(otp.NewRedisBackend(rdb)), fallback.otp, switchOptions),
		sender,
		otp.Options{
			Secret:      []byte(cfg.OTPSecret),
			Digits:      cfg.OTPDigits,
			TTL:         cfg.OTPTTL,
			MaxAttempts: cfg.OTPMaxAttempts,
			Cooldown:    cfg.OTPCooldown,
		},
		registry,
		log,
	)

	links := onetime.NewIssuer(
		failover.New(onetime.StoreName, onetime.Backend(onetime.NewRedisBackend(rdb)), fallback.onetime, switchOptions),
		onetime.Options{DefaultTTL: cfg.OneTimeTokenTTL, TTLOverrides: cfg.OneTimeTokenTTLOverrides},
	)

	tokens, err := sec.NewTokenService(cfg.JWTPrivKeyPath, cfg.JWTPubKeyPath, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	must(log, err, "initialize jwt service")

	authService := auth.NewService(auth.Dependencies{
		Directory:     auth.NewPostgresDirectory(pool),
		Hasher:        sec.NewPasswordHasher(cfg.PasswordCost),
		Tokens:        tokens,
		Sessions:      sessions,
		Codes:         codes,
		Links:         links,
		Sender:        sender,
		Logger:        log,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	// ── 7. Health handlers (wired with real dependency checkers) ──────────
	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{
		CheckDatabase: func(ctx context.Context) error {
			return pgstore.Ping(ctx, pool)
		},
		Stores: []api.StatusReporter{sessions, codes, links},
	}, log)

	// ── 8. Background Sweeper ─────────────────────────────────────────────
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	sweeper := janitor.New(cfg.SweepInterval, cfg.StoreTimeout*5, log,
		janitor.Target{Name: session.StoreName, Sweeper: sessions},
		janitor.Target{Name: otp.StoreName, Sweeper: codes},
		janitor.Target{Name: onetime.StoreName, Sweeper: links},
	)
	go sweeper.Run(rootCtx)

	// ── 9. HTTP Server ────────────────────────────────────────────────────
	handlers := api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Metrics:   registry.Handler(),
		Auth:      auth.NewHandler(authService),
	}

	server := api.NewServer(rootCtx, cfg, log, registry, authService, handlers)

	// ── 10. Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal or server error.
	select {
	case sig := <-quit:
		log.Info("shutdown_signal_received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server_startup_error", slog.Any("error", err))
	}

	// Stop the sweeper before the stores close
	rootCancel()

	// Give in-flight requests enough time to complete.
	shutdownTimeout := constants.ShutdownTimeout
	log.Info("shutting_down_server", slog.Duration("timeout", shutdownTimeout))

	if err := server.Shutdown(shutdownTimeout); err != nil {
		log.Error("shutdown_error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server_stopped_cleanly")
}

// openDurable builds the fallback backends selected by DURABLE_BACKEND.
func openDurable(cfg *config.Config, pool *pgxpool.Pool) (*durable, error) {
	if cfg.DurableBackend == config.DurablePostgres {
		return &durable{
			session: session.NewPostgresBackend(pool),
			otp:     otp.NewPostgresBackend(pool),
			onetime: onetime.NewPostgresBackend(pool),
			close:   func() {},
		}, nil
	}

	db, err := bolt.Open(cfg.BoltPath)
	if err != nil {
		return nil, err
	}

	sessionBackend, err := session.NewBoltBackend(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	otpBackend, err := otp.NewBoltBackend(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	onetimeBackend, err := onetime.NewBoltBackend(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &durable{
		session: sessionBackend,
		otp:     otpBackend,
		onetime: onetimeBackend,
		close:   func() { _ = db.Close() },
	}, nil
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is limited to startup wiring. After startup, all errors are returned
// and handled explicitly.
func must(log *slog.Logger, err error, step string) {
	if err != nil {
		log.Error("startup_failure",
			slog.String("step", step),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
