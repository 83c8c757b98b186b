package main

import (
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"podsearch/internal/config"
	"podsearch/pkg/tasks"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

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

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		&asynq.SchedulerOpts{},
	)

	task, err := tasks.NewReconcileTask()
	if err != nil {
		logger.Error("Could not create task", "err", err)
		os.Exit(1)
	}

	// Sweep orphaned vectors every hour
	_, err = scheduler.Register("@every 1h", task)
	if err != nil {
		logger.Error("Could not register task", "err", err)
		os.Exit(1)
	}

	logger.Info("Scheduler starting", "commit", CommitSHA)
	if err := scheduler.Run(); err != nil {
		logger.Error("Could not run scheduler", "err", err)
		os.Exit(1)
	}
}
