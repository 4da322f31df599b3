package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/gpropadm/brpolis/internal/account"
	"github.com/gpropadm/brpolis/internal/auth"
	"github.com/gpropadm/brpolis/internal/config"
	"github.com/gpropadm/brpolis/internal/health"
	"github.com/gpropadm/brpolis/internal/logger"
	"github.com/gpropadm/brpolis/internal/metrics"
	authmw "github.com/gpropadm/brpolis/internal/middleware"
	"github.com/gpropadm/brpolis/internal/repository"
	"github.com/gpropadm/brpolis/internal/sanitizer"
	"github.com/gpropadm/brpolis/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional outside development
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(log)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	dbPool, err := setupDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	// sqlx shares the pgx pool for the account queries
	sqlDB := stdlib.OpenDBFromPool(dbPool)
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "pgx")

	repos := repository.NewRepositories(dbPool)
	txManager := repository.NewTxManager(dbPool)

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: cfg.Auth.JWTSecret,
		TTL:    cfg.Auth.TokenTTL,
		Issuer: cfg.Auth.JWTIssuer,
	})
	hasher := auth.NewPasswordHasher(cfg.Auth.BcryptCost, cfg.Auth.HashConcurrency)

	authService := auth.NewAuthService(repos, txManager, tokenService, hasher, auth.Config{
		MaxLoginAttempts: cfg.Auth.MaxLoginAttempts,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		ResetTokenTTL:    cfg.Auth.ResetTokenTTL,
		StoreTimeout:     cfg.Auth.StoreTimeout,
	}, auth.WithLogger(log))

	cookies := auth.NewCookieManager(cfg.IsProduction(), cfg.Auth.TokenTTL)
	cookies.Domain = cfg.Auth.CookieDomain

	authHandler := auth.NewAuthHandler(authService, auth.HandlerConfig{
		Cookies:          cookies,
		GenericErrors:    cfg.Auth.GenericErrors,
		ExposeResetToken: cfg.Auth.ExposeResetToken,
		Logger:           log,
	})
	authMiddleware := authmw.NewAuthMiddleware(authService, cookies)

	accountService := account.NewService(repository.NewAccountRepo(db), repos.Sessions, hasher, sanitizer.NewPlainTextSanitizer(), log)
	accountHandler := account.NewHandler(accountService, log)

	sweeper := auth.NewSweeper(repos.Sessions, repos.VerificationTokens, auth.SweeperConfig{
		Interval:           cfg.Sweep.Interval,
		UsedTokenRetention: cfg.Sweep.UsedTokenRetention,
		Enabled:            cfg.Sweep.Enabled,
	}, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	dbStats := metrics.NewDBStatsCollector(dbPool, sqlDB, log)
	dbStats.Start(15 * time.Second)
	defer dbStats.Stop()

	healthHandler := health.NewHandler(health.Config{DB: dbPool, Version: version})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(auth.ResolveClientIP(cfg.Server.TrustProxy))
	r.Use(authmw.StructuredLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	throttle := authmw.LoginRateLimit(cfg.RateLimit.LoginRequests, cfg.RateLimit.LoginWindow)
	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, authHandler, throttle)
		account.RegisterRoutes(r, accountHandler, authMiddleware.Authenticate)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      telemetry.Middleware("brpolis.http")(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("env", cfg.AppEnv),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	authHandler.Wait()

	log.Info("server exited")
	return nil
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to database",
		slog.String("host", poolConfig.ConnConfig.Host),
		slog.String("database", poolConfig.ConnConfig.Database),
	)
	return pool, nil
}
