package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/reelforge/reelforge-engine/internal/api"
	"github.com/reelforge/reelforge-engine/internal/config"
	"github.com/reelforge/reelforge-engine/internal/db"
	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/logging"
	"github.com/reelforge/reelforge-engine/internal/moderation"
	"github.com/reelforge/reelforge-engine/internal/progress"
	"github.com/reelforge/reelforge-engine/internal/retry"
	"github.com/reelforge/reelforge-engine/internal/scheduler"
	"github.com/reelforge/reelforge-engine/internal/stage"
	"github.com/reelforge/reelforge-engine/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting reelforge engine", "version", config.Version, "data_dir", cfg.DataDir)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	st := store.NewSQLiteStore(database.Conn())

	authToken, err := ensureAuthToken(st)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	logger.Info("control API ready",
		"port", cfg.Port,
		"auth_token", logging.SanitizeToken(authToken))

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build stage adapters: %w", err)
	}

	policy := retry.NewPolicy(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.BaseDelaySeconds)*time.Second,
		time.Duration(cfg.Retry.MaxDelaySeconds)*time.Second,
	)
	fallback := moderation.NewTermRewriter(logger)
	broadcaster := progress.NewBroadcaster(0, logger)
	defer broadcaster.Close()

	sched := scheduler.New(st, adapters, policy, fallback, broadcaster,
		schedulerConfig(cfg), logging.WithComponent(logger, "scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:        cfg.Port,
		Scheduler:   sched,
		Store:       st,
		Broadcaster: broadcaster,
		Logger:      logging.WithComponent(logger, "api"),
		StartTime:   startTime,
		Version:     config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	logger.Info("initiating graceful shutdown")
	cancel()
	sched.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildAdapters wires one adapter per stage. With a vendor configured the
// generation stages go over HTTP and assembly runs locally through ffmpeg;
// otherwise everything is stubbed for offline development.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (map[job.Stage]stage.Adapter, error) {
	adapters := make(map[job.Stage]stage.Adapter)

	if cfg.Vendor.BaseURL == "" {
		logger.Warn("no vendor configured, using stub adapters")
		for _, s := range job.SceneStages {
			adapters[s] = stage.NewStubAdapter(s, 50*time.Millisecond, 0.01, logger)
		}
		adapters[job.StageAssembly] = stage.NewStubAdapter(job.StageAssembly, 100*time.Millisecond, 0, logger)
		adapters[job.StageUpload] = stage.NewStubAdapter(job.StageUpload, 50*time.Millisecond, 0, logger)
		return adapters, nil
	}

	for _, s := range job.SceneStages {
		adapters[s] = stage.NewHTTPAdapter(s, cfg.Vendor.BaseURL, cfg.Vendor.Token, logger)
	}

	assembler, err := stage.NewFFmpegAssembler("", cfg.ArtifactsDir(), logger)
	if err != nil {
		logger.Warn("ffmpeg not found, assembly goes through the vendor", "error", err)
		adapters[job.StageAssembly] = stage.NewHTTPAdapter(job.StageAssembly, cfg.Vendor.BaseURL, cfg.Vendor.Token, logger)
	} else {
		adapters[job.StageAssembly] = assembler
	}

	adapters[job.StageUpload] = stage.NewHTTPAdapter(job.StageUpload, cfg.Vendor.BaseURL, cfg.Vendor.Token, logger)
	return adapters, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	limits := make(map[job.Stage]int, len(cfg.Scheduler.StageLimits))
	for name, n := range cfg.Scheduler.StageLimits {
		limits[job.Stage(name)] = n
	}
	deadlines := make(map[job.Stage]time.Duration, len(cfg.Scheduler.StageDeadlineSeconds))
	for name, s := range cfg.Scheduler.StageDeadlineSeconds {
		deadlines[job.Stage(name)] = time.Duration(s) * time.Second
	}
	return scheduler.Config{
		StageLimits:          limits,
		StageDeadlines:       deadlines,
		PollInterval:         cfg.PollInterval(),
		AllowPartialAssembly: cfg.Assembly.AllowPartial,
	}
}

// ensureAuthToken loads the control API token from settings, generating and
// persisting one on first boot.
func ensureAuthToken(st store.Store) (string, error) {
	ctx := context.Background()

	existing, err := st.GetSetting(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := st.SetSetting(ctx, "auth_token", token); err != nil {
		return "", err
	}
	return token, nil
}
