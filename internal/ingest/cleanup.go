package ingest

import (
	"context"
	"errors"
	"fmt"

	"podsearch/internal/apperr"
	"podsearch/internal/models"
	"podsearch/internal/vectorindex"
	"podsearch/pkg/tasks"
)

// Cleanup removes everything stored for an episode: its points in every
// collection, its media file and its rows. Steps run in that order and a
// failing step does not stop the next one. Failures are logged and returned
// joined.
func (p *Pipeline) Cleanup(ctx context.Context, episodeID, ext string) error {
	logger := p.logger.With("episode_id", episodeID)
	var errs []error

	for _, spec := range p.embedders {
		if err := p.index.DeleteByFilter(ctx, spec.Collection, vectorindex.Filter{EpisodeID: episodeID}); err != nil {
			err = apperr.Index("delete points from "+spec.Collection, err)
			logger.Error("cleanup: failed to delete points", "collection", spec.Collection, "err", err)
			errs = append(errs, err)
		}
	}

	if ext != "" {
		if err := p.media.Delete(episodeID, ext); err != nil {
			logger.Error("cleanup: failed to delete media", "err", err)
			errs = append(errs, err)
		}
	}

	if _, err := p.repo.DeleteEpisode(ctx, episodeID); err != nil {
		logger.Error("cleanup: failed to delete rows", "err", err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		logger.Info("episode cleaned up")
	}
	return errors.Join(errs...)
}

// Delete removes an existing episode and everything derived from it.
func (p *Pipeline) Delete(ctx context.Context, episodeID string) error {
	episode, err := p.repo.GetEpisode(ctx, episodeID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return apperr.Storage("lookup episode", err)
	}
	if err := p.Cleanup(ctx, episode.ID, episode.Ext); err != nil {
		return fmt.Errorf("delete episode %s: %w", episodeID, err)
	}
	return nil
}

// cleanupRun removes the points and rows of one run, leaving the episode.
func (p *Pipeline) cleanupRun(ctx context.Context, runID int64) {
	logger := p.logger.With("run_id", runID)
	for _, spec := range p.embedders {
		if err := p.index.DeleteByFilter(ctx, spec.Collection, vectorindex.Filter{RunID: runID}); err != nil {
			logger.Error("cleanup: failed to delete run points", "collection", spec.Collection, "err", err)
		}
	}
	if err := p.repo.DeleteRun(ctx, runID); err != nil {
		logger.Error("cleanup: failed to delete run rows", "err", err)
	}
}

// deferCleanup queues another cleanup attempt for a failed upload.
func (p *Pipeline) deferCleanup(episode models.Episode) {
	if p.queue == nil {
		return
	}
	logger := p.logger.With("episode_id", episode.ID)
	task, err := tasks.NewCleanupEpisodeTask(episode.ID, episode.Ext)
	if err != nil {
		logger.Error("cleanup: could not create task", "err", err)
		return
	}
	info, err := tasks.Enqueue(p.queue, task)
	if err != nil {
		logger.Error("cleanup: could not enqueue task", "err", err)
		return
	}
	logger.Warn("cleanup deferred to worker", "task_id", info.ID)
}
