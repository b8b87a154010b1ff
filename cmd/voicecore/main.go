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

	"github.com/evacare-ai/voicecore/internal/dotenv"
	"github.com/evacare-ai/voicecore/pkg/gemini"
	"github.com/evacare-ai/voicecore/pkg/store"
)

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	logger := setupLogger()
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	dialer, err := gemini.NewDialer(ctx, gemini.Config{
		APIKey: cfg.GoogleAPIKey,
		Model:  cfg.GeminiModel,
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create model dialer", "error", err)
		os.Exit(1)
	}

	srv := newServer(cfg, db, dialer, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("voicecore listening", "port", cfg.Port, "domain", cfg.ServiceDomain)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownTimeout := time.Duration(dotenv.Int("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

type config struct {
	Port            string
	ServiceDomain   string
	DatabaseURL     string
	GoogleAPIKey    string
	GeminiModel     string
	SileroModelPath string
	ONNXRuntimePath string
}

func loadConfig() (config, error) {
	cfg := config{
		Port:            dotenv.Get("PORT", "8080"),
		ServiceDomain:   dotenv.Get("SERVICE_DOMAIN", "localhost:8080"),
		GeminiModel:     dotenv.Get("GEMINI_MODEL_ID", "gemini-2.0-flash-live-001"),
		SileroModelPath: dotenv.Get("SILERO_MODEL_PATH", ""),
		ONNXRuntimePath: dotenv.Get("ONNXRUNTIME_LIB_PATH", ""),
	}
	var err error
	if cfg.DatabaseURL, err = dotenv.Require("DATABASE_URL"); err != nil {
		return cfg, err
	}
	if cfg.GoogleAPIKey, err = dotenv.Require("GOOGLE_API_KEY"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch dotenv.Get("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dotenv.Bool("LOG_JSON", true) {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
