// Package worker holds the asynq task handlers run by cmd/worker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"podsearch/internal/apperr"
	"podsearch/internal/reconcile"
	"podsearch/pkg/tasks"
)

// Ingester is the part of the ingestion pipeline background tasks drive.
type Ingester interface {
	Retranscribe(ctx context.Context, episodeID, modelName string) (int64, error)
	Cleanup(ctx context.Context, episodeID, ext string) error
}

// Reconciler removes orphaned vector points.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

type TaskHandler struct {
	ingester   Ingester
	reconciler Reconciler
	logger     *slog.Logger
}

func NewTaskHandler(ingester Ingester, reconciler Reconciler, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{ingester: ingester, reconciler: reconciler, logger: logger.With("component", "worker")}
}

// Register adds every handler to mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeTranscribe, h.HandleTranscribeTask)
	mux.HandleFunc(tasks.TypeCleanupEpisode, h.HandleCleanupEpisodeTask)
	mux.HandleFunc(tasks.TypeReconcile, h.HandleReconcileTask)
}

// permanent marks errors that another attempt cannot fix.
func permanent(err error) error {
	if apperr.IsValidation(err) || errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (h *TaskHandler) HandleTranscribeTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.TranscribeTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With("episode_id", p.EpisodeID, "model", p.ModelName)
	logger.Info("Transcribing episode")

	runID, err := h.ingester.Retranscribe(ctx, p.EpisodeID, p.ModelName)
	if err != nil {
		logger.Error("Transcription failed", "err", err)
		return permanent(err)
	}

	logger.Info("Transcription finished", "run_id", runID)
	return nil
}

func (h *TaskHandler) HandleCleanupEpisodeTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.CleanupEpisodeTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.EpisodeID == "" {
		return fmt.Errorf("cleanup task without episode id: %w", asynq.SkipRetry)
	}

	h.logger.Info("Cleaning up episode", "episode_id", p.EpisodeID)
	if err := h.ingester.Cleanup(ctx, p.EpisodeID, p.Ext); err != nil {
		return fmt.Errorf("failed to clean up episode %s: %w", p.EpisodeID, err)
	}
	return nil
}

func (h *TaskHandler) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	h.logger.Info("Reconciling vector index...")

	report, err := h.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile vector index: %w", err)
	}

	h.logger.Info("Finished reconciling vector index.", "points", report.Points, "pending", report.Pending, "deleted", report.Deleted)
	return nil
}
