package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vbonduro/reunite/internal/backend"
	"github.com/vbonduro/reunite/internal/config"
	"github.com/vbonduro/reunite/internal/db"
	"github.com/vbonduro/reunite/internal/imagesource"
	"github.com/vbonduro/reunite/internal/imagesource/snapshot"
	"github.com/vbonduro/reunite/internal/logging"
	"github.com/vbonduro/reunite/internal/metrics"
	"github.com/vbonduro/reunite/internal/previewstore/local"
	"github.com/vbonduro/reunite/internal/service"
	"github.com/vbonduro/reunite/internal/session"
	"github.com/vbonduro/reunite/internal/store"
	"github.com/vbonduro/reunite/internal/web"
	"github.com/vbonduro/reunite/internal/web/templates"
)

// tokenTTL bounds how long a Redis-held session token lives without a login.
const tokenTTL = 30 * 24 * time.Hour

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	tokens, err := newTokenStore(ctx, cfg, store.NewTokenStore(database), logger)
	if err != nil {
		logger.Error("failed to initialize token store", "error", err)
		return
	}

	previews, err := local.New(cfg.PreviewPath)
	if err != nil {
		logger.Error("failed to initialize preview store", "error", err)
		return
	}

	api := backend.New(cfg.BackendURL, logger).WithTokenProbe(cfg.TokenProbe)
	m := metrics.New()

	gate := session.NewGate(api, tokens, m, logger)
	restoreCtx, cancel := context.WithTimeout(ctx, cfg.AuthTimeout)
	state, err := gate.Restore(restoreCtx)
	cancel()
	if err != nil {
		logger.Warn("could not validate stored session", "error", err)
	}
	logger.Info("session restored", "state", state.String())

	var camera imagesource.Camera
	if cfg.CameraURL != "" {
		cam := openCamera(ctx, cfg.CameraURL, logger)
		defer cam.Close()
		camera = cam
	}

	reports := service.NewReportService(
		api,
		cfg.SubmitTimeout,
		store.NewSubmissionStore(database),
		previews,
		api,
		camera,
		m,
		logger,
	)
	server := web.NewServer(reports, gate, m.Handler(), templates.FS, cfg.AuthTimeout, logger)
	httpServer := server.HTTPServer(cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr, "backend", cfg.BackendURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down server", "error", err)
		}
	}
}

func newTokenStore(ctx context.Context, cfg *config.Config, sqlite session.TokenStore, logger *slog.Logger) (session.TokenStore, error) {
	if cfg.TokenStore != config.TokenStoreRedis {
		return sqlite, nil
	}
	client, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info("using redis token store")
	return store.NewRedisTokenStore(client, tokenTTL), nil
}

// openCamera starts the snapshot camera. A camera that fails to open stays
// wired; its captures are rejected until it is reachable.
func openCamera(ctx context.Context, url string, logger *slog.Logger) *snapshot.Camera {
	cam := snapshot.New(url, logger)
	if err := cam.Open(ctx); err != nil {
		logger.Warn("camera unavailable", "url", url, "error", err)
	}
	return cam
}
