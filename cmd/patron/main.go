package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/api"
	"github.com/Artifex-Works/patron/core/pkg/config"
	"github.com/Artifex-Works/patron/core/pkg/engine"
	"github.com/Artifex-Works/patron/core/pkg/escrow"
	"github.com/Artifex-Works/patron/core/pkg/ledger"
	"github.com/Artifex-Works/patron/core/pkg/observability"
	"github.com/Artifex-Works/patron/core/pkg/scheduler"
	"github.com/Artifex-Works/patron/core/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "sweep":
		return runSweepCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "patron - commission contract amendment engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  patron <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the API server with the expiry sweeper (default)")
	fmt.Fprintln(w, "  sweep    Run one expiry sweep and exit")
	fmt.Fprintln(w, "  health   Check server health (HTTP)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

// buildEngine assembles the store, gateway, ledger and policies from
// the environment. The returned *sql.DB is non-nil only when Postgres
// backs the store; the cleanup closes it.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, obs *observability.Provider) (*engine.Engine, *sql.DB, func(), error) {
	var (
		st      store.Store
		pgDB    *sql.DB
		cleanup = func() {}
	)

	switch {
	case cfg.DatabaseURL == "":
		s, err := store.OpenSQLite("data/patron.db")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("store: sqlite (set DATABASE_URL for postgres)")
		st = s
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"), strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		s, err := store.NewPostgresStore(db)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		logger.Info("store: postgres")
		st = s
		pgDB = db
		cleanup = func() { _ = db.Close() }
	default:
		return nil, nil, nil, fmt.Errorf("unsupported DATABASE_URL %q", cfg.DatabaseURL)
	}

	opts := []engine.Option{
		engine.WithLedger(ledger.New()),
		engine.WithLogger(logger.With("component", "engine")),
	}
	if obs != nil {
		opts = append(opts, engine.WithObserver(obs))
	}
	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		policies, err := profile.Policies()
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		logger.Info("policy profile loaded", "profile", profile.Code,
			"response_window", policies.ResponseWindow, "counter_window", policies.CounterWindow)
		opts = append(opts, engine.WithPolicies(policies))
	}

	// The in-process gateway records intents without moving money. A
	// production deployment swaps in a provider-backed implementation.
	gateway := escrow.NewMemoryGateway()

	return engine.New(st, gateway, opts...), pgDB, cleanup, nil
}

func runServer() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := slog.Default()

	otelEnabled := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = otelEnabled
	if otelEnabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		obsCfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	eng, pgDB, cleanup, err := buildEngine(ctx, cfg, logger, obs)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}
	defer cleanup()

	// Expiry sweeper runs alongside the server.
	sweeper := scheduler.New(eng,
		scheduler.WithLogger(logger.With("component", "sweeper")),
		scheduler.WithObserver(obs))
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	// Idempotency store: Redis when configured, the contract database
	// when it is Postgres, in-process otherwise.
	var idem api.IdempotencyStorer
	switch {
	case cfg.RedisURL != "":
		ridem, err := api.NewRedisIdempotencyStore(cfg.RedisURL, 24*time.Hour)
		if err != nil {
			logger.Error("redis idempotency init failed", "error", err)
			return 1
		}
		defer func() { _ = ridem.Close() }()
		logger.Info("idempotency: redis")
		idem = ridem
	case pgDB != nil:
		pidem, err := api.NewPostgresIdempotencyStore(pgDB, 24*time.Hour)
		if err != nil {
			logger.Error("postgres idempotency init failed", "error", err)
			return 1
		}
		logger.Info("idempotency: postgres")
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pidem.Cleanup()
				}
			}
		}()
		idem = pidem
	default:
		idem = api.NewIdempotencyStore(24 * time.Hour)
	}

	srv := api.NewServer(eng, os.Getenv("ESCROW_WEBHOOK_SECRET"))
	limiter := api.NewGlobalRateLimiter(20, 40)
	validator := api.NewJWTValidator(cfg.JWTSecret)
	if validator == nil {
		logger.Warn("JWT_SECRET not set; all authenticated endpoints will reject")
	}

	handler := api.RequestIDMiddleware(
		api.TracingMiddleware(obs.Tracer())(
			limiter.Middleware(
				api.AuthMiddleware(validator)(
					api.IdempotencyMiddleware(idem)(srv.Routes())))))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("patron ready", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

// runSweepCmd performs a single expiry sweep against the configured
// store and reports the counts. Useful from cron or for operators.
func runSweepCmd(out, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := slog.Default()

	eng, _, cleanup, err := buildEngine(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(errOut, "sweep setup failed: %v\n", err)
		return 1
	}
	defer cleanup()

	sweeper := scheduler.New(eng)
	res, err := sweeper.SweepOnce(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "sweep failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "due=%d transitions=%d skipped=%d errors=%d\n",
		res.Due, res.Transitions, res.Skipped, res.Errors)
	if res.Errors > 0 {
		return 1
	}
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Printf("close health response: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
