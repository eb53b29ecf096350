package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/handlers"
	"github.com/mthornley/chatstream/internal/services"
	"github.com/mthornley/chatstream/internal/session"
)

const errLoggerKey = "err"

func loadConfig(logger *slog.Logger) (config, string) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		logger.Error("Failed to get user config dir", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	cfgDir := filepath.Join(userConfigDir, "chatstream")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		logger.Error("Failed to create config dir", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	cfgPath := filepath.Join(cfgDir, "config.yaml")
	f, err := os.Open(cfgPath)
	if err != nil {
		logger.Error("Failed to open config file",
			slog.String("path", cfgPath),
			slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	defer f.Close()

	var cfg config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		logger.Error("Failed to parse config file",
			slog.String("path", cfgPath),
			slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	return cfg, cfgDir
}

func main() {
	// A .env file is optional; environment variables win either way.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, cfgDir := loadConfig(logger)

	store, err := services.NewBoltDB(filepath.Join(cfgDir, "store.db"))
	if err != nil {
		logger.Error("Failed to open store", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	transport, err := cfg.Transport.transport(cfg.TitlePrompt, logger)
	if err != nil {
		logger.Error("Invalid transport config", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	titleGen, err := cfg.Transport.titleGenerator(cfg.TitlePrompt, logger)
	if err != nil {
		logger.Error("Invalid transport config", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	manager := client.NewManager(transport, cfg.ReconnectInterval, logger)

	m := handlers.NewMain(store, logger)
	orchestrator := session.New(manager, store, m, titleGen, cfg.FlushInterval, logger)
	m = m.WithPipeline(orchestrator)

	manager.AddListener(func(connected bool) {
		logger.Info("Backend connection state changed", slog.Bool("connected", connected))
		m.PublishConnectionState(connected)
	})

	// A failed initial connect is not fatal: the server starts degraded and
	// sends fail fast until Connect succeeds.
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Connect(connectCtx, cfg.Credential); err != nil {
		logger.Warn("Initial connect failed, starting degraded",
			slog.String(errLoggerKey, err.Error()))
	}
	connectCancel()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/api/conversations", m.HandleConversations)
	router.Post("/api/chat", m.HandleSend)
	router.Get("/api/conversations/{conversationID}/messages", m.HandleMessages)
	router.Post("/api/conversations/{conversationID}/stop", m.HandleStop)
	router.Post("/api/conversations/{conversationID}/messages/{messageID}/retry", m.HandleRetry)
	router.Patch("/api/conversations/{conversationID}", m.HandleRenameConversation)
	router.Delete("/api/conversations/{conversationID}", m.HandleDeleteConversation)
	router.Get("/api/events", m.HandleSSE)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
		manager.Close()
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", slog.String("port", port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String(errLoggerKey, err.Error()))
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forced shutdown failed", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}
