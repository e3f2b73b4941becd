package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medsupply/patientdesk/internal/config"
	"github.com/medsupply/patientdesk/internal/domain/patient"
	"github.com/medsupply/patientdesk/internal/platform/auth"
	"github.com/medsupply/patientdesk/internal/platform/db"
	"github.com/medsupply/patientdesk/internal/platform/geocode"
	"github.com/medsupply/patientdesk/internal/platform/middleware"
	"github.com/medsupply/patientdesk/internal/platform/storage"
	"github.com/medsupply/patientdesk/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "patientdesk",
		Short:         "Patient supply desk API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStorage opens the configured backend. The returned pool is nil unless
// the backend is postgres; close is always safe to call.
func openStorage(ctx context.Context, cfg *config.Config) (storage.KV, *pgxpool.Pool, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemory(), nil, func() {}, nil
	case config.BackendFile:
		kv, err := storage.NewFile(cfg.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return kv, nil, func() {}, nil
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, nil, err
		}
		kv := storage.NewPostgres(pool)
		if err := kv.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return kv, pool, pool.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, cfg.StorageBackend)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() && cfg.SessionSecret == "" {
		logger.Warn().Msg("SESSION_SECRET is empty: session tokens are disabled and any caller may act as the signed-in operator")
	}

	ctx := context.Background()
	kv, pool, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open storage")
	}
	defer closeStorage()

	// A stored value that fails to parse stops startup; it is never replaced
	// with empty defaults.
	initial, err := patient.Load(ctx, kv)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load stored state")
	}

	store := patient.NewStore()
	store.Dispatch(initial)
	logger.Info().
		Str("backend", cfg.StorageBackend).
		Int("patients", len(initial.Patients)).
		Bool("signed_in", initial.User != nil).
		Msg("state loaded")

	hub := websocket.NewHub(logger)
	store.Subscribe(patient.PersistenceObserver(kv, logger))
	store.Subscribe(patient.EventObserver(hub, logger))

	geocoder := geocode.NewClient(geocode.Config{
		BaseURL: cfg.GeocoderURL,
		APIKey:  cfg.GeocoderAPIKey,
		Timeout: cfg.GeocoderTimeout,
	}, logger)
	svc := patient.NewService(store, geocoder, logger, patient.WithLatency(cfg.SimulatedLatency))
	issuer := auth.NewIssuer(cfg.SessionSecret, 0)

	e := newServer(cfg, logger)
	e.GET("/health", db.HealthHandler(version, cfg.StorageBackend, pool))

	apiV1 := e.Group("/api/v1")
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)
	patient.NewHandler(svc, issuer, cfg.MaxUploadBytes).RegisterRoutes(apiV1, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.LoginRateRPS,
		BurstSize:         cfg.LoginRateBurst,
	}))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the global middleware chain.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(middleware.UploadBodyLimits(cfg.MaxUploadBytes)))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	return e
}
