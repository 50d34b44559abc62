// folio - portfolio page and chat widget server
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

	"github.com/ashureev/folio/internal/api"
	"github.com/ashureev/folio/internal/config"
	"github.com/ashureev/folio/internal/diagnostics"
	"github.com/ashureev/folio/internal/middleware"
	"github.com/ashureev/folio/internal/resolver"
	"github.com/ashureev/folio/internal/store"
	"github.com/ashureev/folio/internal/transport"
	"github.com/ashureev/folio/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := run(logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	dangling, err := repo.CloseDanglingSessions(context.Background(), time.Now())
	if err != nil {
		return fmt.Errorf("close dangling sessions: %w", err)
	}
	if dangling > 0 {
		slog.Info("Closed sessions left open by previous run", "count", dangling)
	}

	catalog := resolver.DefaultCatalog()
	if cfg.KeywordsPath != "" {
		if catalog, err = resolver.LoadCatalog(cfg.KeywordsPath); err != nil {
			return fmt.Errorf("load keyword table: %w", err)
		}
		slog.Info("Keyword table loaded", "path", cfg.KeywordsPath, "rules", len(catalog.Rules))
	}

	endpoint, err := resolver.ParseEndpoint(cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	res := resolver.New(resolver.Config{
		Endpoint: endpoint,
		Catalog:  catalog,
		Chooser:  resolver.Uniform,
		Timeout:  cfg.WebhookTimeout,
	})
	if endpoint != nil {
		slog.Info("Resolver ready", "mode", res.Mode(), "endpoint_host", endpoint.Host, "timeout", cfg.WebhookTimeout)
	} else {
		slog.Info("Resolver ready", "mode", res.Mode(), "rules", len(catalog.Rules))
	}

	events, err := diagnostics.NewEventLogger(diagnostics.LogConfig{
		Enabled:       cfg.Diagnostics.Enabled,
		Dir:           cfg.Diagnostics.Dir,
		GlobalEnabled: cfg.Diagnostics.GlobalEnabled,
		GlobalPath:    cfg.Diagnostics.GlobalPath,
		QueueSize:     cfg.Diagnostics.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize diagnostics log: %w", err)
	}
	recorder := diagnostics.NewRecorder(repo, events, cfg.Diagnostics.QueueSize)
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			slog.Error("Failed to close diagnostics recorder", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize handlers.
	closeDelay := cfg.Widget.CloseDelay
	if closeDelay == 0 {
		closeDelay = -1 // hide immediately
	}
	allowedOrigin := "*"
	if cfg.FrontendURL != "" {
		allowedOrigin = cfg.FrontendURL
	}

	sm := transport.NewSessionManager()
	wsHandler := transport.NewWebSocketHandler(res, sm, recorder, transport.Options{
		AllowedOrigin: allowedOrigin,
		IsDev:         cfg.IsDevelopment(),
		CloseDelay:    closeDelay,
		BadgeDelay:    cfg.Widget.BadgeDelay,
		ErrorMessages: catalog.Errors,
		Chooser:       resolver.Uniform,
		ReadLimit:     cfg.Widget.MaxMessageBytes,
		Logger:        logger,
	})
	widgetHandler := api.NewWidgetHandler(api.NewHandler(repo, sm, res.Mode()))

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	widgetHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		r.With(middleware.RateLimit(limiter)).Get("/ws/widget", wsHandler.ServeHTTP)
	} else {
		r.Get("/ws/widget", wsHandler.ServeHTTP)
	}

	// Serve embedded page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket sessions are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	retentionStopped := diagnostics.StartRetentionWorker(ctx, repo, cfg.Retention.Interval, cfg.Retention.MaxAge)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "mode", res.Mode())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown does not track hijacked connections.
		sm.CloseAll("server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	stop()
	<-retentionStopped
	return err
}
