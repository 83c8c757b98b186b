package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"podsearch/internal/apperr"
	"podsearch/internal/models"
)

// Tx groups the writes of one transcription run.
type Tx struct {
	tx *sqlx.Tx
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// CreateRun inserts a run. An existing run for the same episode and model is
// reported as apperr.ErrDuplicateTranscription.
func (t *Tx) CreateRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error) {
	run := models.TranscriptionRun{}
	err := t.tx.GetContext(ctx, &run, `
		INSERT INTO transcription_runs (episode_id, model_name)
		VALUES ($1, $2)
		RETURNING *`, episodeID, modelName)
	if IsUniqueViolation(err) {
		return run, fmt.Errorf("%s on %s: %w", modelName, episodeID, apperr.ErrDuplicateTranscription)
	}
	return run, err
}

// CreateSegment inserts a segment of the run.
func (t *Tx) CreateSegment(ctx context.Context, seg models.Segment) (models.Segment, error) {
	out := models.Segment{}
	err := t.tx.GetContext(ctx, &out, `
		INSERT INTO episode_segments (episode_id, run_id, seg_no, start_ms, end_ms, text)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		seg.EpisodeID, seg.RunID, seg.SegNo, seg.StartMs, seg.EndMs, seg.Text)
	return out, err
}

// GetRun returns the run of an episode for a model.
func (s *Store) GetRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error) {
	run := models.TranscriptionRun{}
	err := s.DB.GetContext(ctx, &run,
		"SELECT * FROM transcription_runs WHERE episode_id = $1 AND model_name = $2", episodeID, modelName)
	return run, notFound(err, "run")
}

func (s *Store) ListRuns(ctx context.Context, episodeID string) ([]models.TranscriptionRun, error) {
	var runs []models.TranscriptionRun
	err := s.DB.SelectContext(ctx, &runs,
		"SELECT * FROM transcription_runs WHERE episode_id = $1 ORDER BY id", episodeID)
	return runs, err
}

// ExistingRuns returns which of ids still have a run row.
func (s *Store) ExistingRuns(ctx context.Context, ids []int64) (map[int64]bool, error) {
	var found []int64
	if err := s.DB.SelectContext(ctx, &found, "SELECT id FROM transcription_runs WHERE id = ANY($1)", pq.Array(ids)); err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// DeleteRun removes a run and its segments in one transaction.
func (s *Store) DeleteRun(ctx context.Context, runID int64) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin delete run", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM episode_segments WHERE run_id = $1", runID); err != nil {
		return apperr.Storage("delete run segments", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transcription_runs WHERE id = $1", runID); err != nil {
		return apperr.Storage("delete run", err)
	}
	return apperr.Storage("commit delete run", tx.Commit())
}
