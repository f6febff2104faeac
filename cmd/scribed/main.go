// Scribe is a media transcription job service.
// Copyright (C) 2025 Scribe Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"scribe/internal/api"
	"scribe/internal/config"
	"scribe/internal/logging"
	"scribe/internal/media"
	"scribe/internal/middleware"
	"scribe/internal/pipeline"
	"scribe/internal/processor"
	"scribe/internal/store"
	"scribe/internal/webhook"
	"scribe/internal/whisper"
)

func main() {
	var (
		port     = flag.Int("port", 0, "HTTP server port (overrides SCRIBE_PORT)")
		dataDir  = flag.String("data-dir", "", "Data directory (overrides SCRIBE_DATA_DIR)")
		logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger = logging.New("debug")
		slog.SetDefault(logger)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Settings, logger *slog.Logger) error {
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Fail fast when the extraction toolchain is missing rather than
	// failing the first submitted job.
	extractor := &media.Extractor{}
	if err := extractor.CheckFFmpeg(ctx); err != nil {
		slog.Error("FFmpeg dependency check failed", "error", err)
		os.Exit(2)
	}

	st, err := store.Open(ctx, filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() { _ = st.Close() }()

	engine := &whisper.CommandEngine{ModelDir: filepath.Join(cfg.DataDir, "models")}
	manager := whisper.NewManager(engine, cfg.WhisperModel, cfg.Whisper, cfg.ModelIdleTimeout(), logger)

	externalBase := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	notifier := webhook.NewNotifier(externalBase, cfg.WebhookTimeout, logger)

	fetcher := pipeline.MediaFetcher{Fetcher: media.NewFetcher(cfg.MaxUploadBytes())}
	runner := pipeline.NewRunner(st, fetcher, pipeline.MediaExtractor{Extractor: extractor},
		manager, pipeline.OutputRenderer{}, notifier, logger)

	proc := processor.New(st, runner, cfg.DataDir, cfg.RetentionWindow(), logger)
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("start job processor: %w", err)
	}

	// Periodic retention sweep alongside the admin-triggered one.
	var sweeper *cron.Cron
	if cfg.CleanupSchedule != "" {
		sweeper = cron.New()
		if _, err := sweeper.AddFunc(cfg.CleanupSchedule, func() {
			gcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := proc.CleanupExpired(gcCtx); err != nil {
				slog.Error("Scheduled retention sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		sweeper.Start()
	}

	handler, err := api.New(st, proc, manager, cfg, logger)
	if err != nil {
		return fmt.Errorf("build API handler: %w", err)
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: 30,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
		Logger:            logger,
	})
	chain := middleware.SecurityHeaders(middleware.DefaultSecurityConfig())(
		limiter.LimitSubmissions(handler.Router()))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: chain,
		// No WriteTimeout: downloads of long transcripts and large media
		// uploads are legitimately slow.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("Starting transcription service", "addr", server.Addr, "model", cfg.WhisperModel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	limiter.Stop()
	if err := proc.Stop(shutdownCtx); err != nil {
		slog.Error("Job processor shutdown timed out", "error", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		slog.Error("Model unload on shutdown failed", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
