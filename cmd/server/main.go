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

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"podsearch/internal/app"
	"podsearch/internal/config"
	"podsearch/internal/handlers"
	"podsearch/internal/middleware"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

// newRouter wires the API with rate limiting and admin auth.
func newRouter(h *handlers.Handlers, cfg config.Config, logger *slog.Logger) *mux.Router {
	limiter := middleware.NewRateLimiterMiddleware(cfg.SearchRate, cfg.SearchBurst, logger)
	auth := middleware.NewAdminAuth(cfg.TelegramBotToken, cfg.AdminTelegramIDs, logger)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	h.Routes(r, limiter.Middleware, auth.Middleware)
	return r
}

func main() {
	err := godotenv.Load()
	if err != nil {
		slog.Info("No .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if err := a.Init(ctx); err != nil {
		logger.Error("Initialization failed", "err", err)
		os.Exit(1)
	}
	go a.Pool.RunSweeper(ctx, cfg.ModelSweepInterval)

	h := handlers.New(a.Store, a.Pipeline, a.Searcher, a.Pool, a.Media, a.Queue, cfg.BaseURL, logger)

	if cfg.TelegramBotToken != "" {
		go func() {
			if err := h.StartTelegramBot(ctx, cfg.TelegramBotToken); err != nil {
				logger.Error("Telegram bot stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(h, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", "err", err)
		}
	}()

	logger.Info("Starting server", "port", cfg.Port, "commit", CommitSHA, "vector_backend", cfg.VectorBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "err", err)
		os.Exit(1)
	}
}
