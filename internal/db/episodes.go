package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"podsearch/internal/apperr"
	"podsearch/internal/models"
)

// CreateEpisode inserts an episode. A second episode with the same hash fails
// with a unique violation (see IsUniqueViolation).
func (s *Store) CreateEpisode(ctx context.Context, e models.Episode) (models.Episode, error) {
	episode := models.Episode{}
	err := s.DB.GetContext(ctx, &episode, `
		INSERT INTO episodes (id, media_type, name, ext, bytes, hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`,
		e.ID, e.MediaType, e.Name, e.Ext, e.Bytes, e.Hash)
	return episode, err
}

func (s *Store) GetEpisode(ctx context.Context, id string) (models.Episode, error) {
	episode := models.Episode{}
	err := s.DB.GetContext(ctx, &episode, "SELECT * FROM episodes WHERE id = $1", id)
	return episode, notFound(err, "episode "+id)
}

func (s *Store) GetEpisodeByHash(ctx context.Context, hash string) (models.Episode, error) {
	episode := models.Episode{}
	err := s.DB.GetContext(ctx, &episode, "SELECT * FROM episodes WHERE hash = $1", hash)
	return episode, notFound(err, "episode by hash")
}

// ListEpisodes returns a page of episodes, newest first.
func (s *Store) ListEpisodes(ctx context.Context, limit, offset int) ([]models.Episode, error) {
	var episodes []models.Episode
	err := s.DB.SelectContext(ctx, &episodes, `
		SELECT * FROM episodes
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	return episodes, err
}

func (s *Store) CountEpisodes(ctx context.Context) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, "SELECT count(*) FROM episodes")
	return n, err
}

// EpisodesCreatedAt returns the creation time of each existing episode in ids.
func (s *Store) EpisodesCreatedAt(ctx context.Context, ids []string) (map[string]time.Time, error) {
	rows := []struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}{}
	err := s.DB.SelectContext(ctx, &rows, "SELECT id, created_at FROM episodes WHERE id::text = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.ID] = r.CreatedAt
	}
	return out, nil
}

func (s *Store) UpdateEpisodeLength(ctx context.Context, id string, lengthMs int64) error {
	_, err := s.DB.ExecContext(ctx, "UPDATE episodes SET length_ms = $1 WHERE id = $2", lengthMs, id)
	return err
}

// DeleteEpisode removes the episode with its runs and segments in one
// transaction. It reports whether the episode row existed.
func (s *Store) DeleteEpisode(ctx context.Context, id string) (bool, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return false, apperr.Storage("begin delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM episode_segments WHERE episode_id = $1", id); err != nil {
		if isMalformedID(err) {
			return false, nil
		}
		return false, apperr.Storage("delete segments", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transcription_runs WHERE episode_id = $1", id); err != nil {
		return false, apperr.Storage("delete runs", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM episodes WHERE id = $1", id)
	if err != nil {
		return false, apperr.Storage("delete episode", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("delete episode", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperr.Storage("commit delete", fmt.Errorf("episode %s: %w", id, err))
	}
	return n > 0, nil
}
