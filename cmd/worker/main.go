package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"podsearch/internal/app"
	"podsearch/internal/config"
	"podsearch/internal/worker"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 30 * time.Minute
)

// retryDelay doubles from baseRetryDelay up to maxRetryDelay: 30s, 1m, 2m, 4m...
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	slog.Warn("Task failed, retrying", "type", task.Type(), "attempt", n+1, "delay", delay, "err", err)
	return delay
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

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			// Transcription holds a model for minutes; one task at a time keeps memory bounded.
			Concurrency: 1,
			Queues: map[string]int{
				"high":    2,
				"default": 1,
			},
			RetryDelayFunc: retryDelay,
			Logger:         asynqLogger{logger.With("component", "asynq")},
		},
	)

	mux := asynq.NewServeMux()
	worker.NewTaskHandler(a.Pipeline, a.Reconciler, logger).Register(mux)

	logger.Info("Worker starting", "commit", CommitSHA)
	if err := srv.Start(mux); err != nil {
		logger.Error("Could not run worker", "err", err)
		os.Exit(1)
	}
	<-ctx.Done()
	srv.Shutdown()
}
