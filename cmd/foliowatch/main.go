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

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/google/uuid"

	"github.com/foliowatch/foliowatch/internal/adapter/driven/ghostfolio"
	"github.com/foliowatch/foliowatch/internal/adapter/driven/prom"
	sqliteadapter "github.com/foliowatch/foliowatch/internal/adapter/driven/sqlite"
	httphandler "github.com/foliowatch/foliowatch/internal/adapter/driving/http"
	"github.com/foliowatch/foliowatch/internal/application"
	"github.com/foliowatch/foliowatch/internal/config"
	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval,
		"tokens_encrypted", cfg.SecretKey != nil,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire adapters.
	instanceStore, err := sqliteadapter.NewInstanceRepo(db, cfg.SecretKey)
	if err != nil {
		return err
	}
	snapshotStore := sqliteadapter.NewSnapshotRepo(db)
	recorder := prom.NewRecorder()

	// 6. Create application services. Each instance gets its own client so
	// bearer tokens are never shared.
	registry := application.NewClientRegistry(func(inst model.Instance) driven.PortfolioClient {
		return ghostfolio.NewClient(inst.BaseURL, inst.AccessToken, inst.VerifySSL)
	})
	sensors := application.NewSensorService()
	pollSvc := application.NewPollService(registry, instanceStore, snapshotStore, sensors, recorder)

	// 6b. Seed an instance from the environment on first start.
	if cfg.HasSeedInstance() {
		if err := seedInstance(ctx, cfg, instanceStore); err != nil {
			return err
		}
	}

	// 7. Start poll service (one runner per stored instance).
	go pollSvc.Start(ctx)

	// 8. Create HTTP handler, register API routes and metrics exposition.
	apiHandler := httphandler.NewHandler(instanceStore, snapshotStore, sensors, pollSvc, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, recorder.Handler(), slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("foliowatch started", "listen_addr", cfg.ListenAddr)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout for HTTP server drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// seedInstance creates the env-configured instance unless one with the same
// base URL and name already exists. No connection test here: the deployment
// may simply not be up yet, and the poll loop reports failures anyway.
func seedInstance(ctx context.Context, cfg *config.Config, store driven.InstanceStore) error {
	now := time.Now().UTC()
	inst := model.Instance{
		ID:             uuid.NewString(),
		Name:           cfg.GhostfolioName,
		BaseURL:        cfg.GhostfolioURL,
		AccessToken:    cfg.GhostfolioAccessToken,
		VerifySSL:      cfg.GhostfolioVerifySSL,
		UpdateInterval: cfg.PollInterval,
		Ranges:         cfg.GhostfolioRanges,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := store.Add(ctx, inst)
	switch {
	case errors.Is(err, driven.ErrInstanceAlreadyExists):
		slog.Info("seed instance already configured", "name", inst.Name, "base_url", inst.BaseURL)
		return nil
	case err != nil:
		return err
	}

	slog.Info("seed instance created", "name", inst.Name, "base_url", inst.BaseURL)
	return nil
}
