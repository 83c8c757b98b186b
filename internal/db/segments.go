package db

import (
	"context"

	"github.com/lib/pq"

	"podsearch/internal/models"
)

// ListSegments returns the segments of an episode ordered by run and position.
func (s *Store) ListSegments(ctx context.Context, episodeID string) ([]models.Segment, error) {
	var segments []models.Segment
	err := s.DB.SelectContext(ctx, &segments, `
		SELECT * FROM episode_segments
		WHERE episode_id = $1
		ORDER BY run_id, seg_no`, episodeID)
	return segments, err
}

// PreviewSegments returns the first n segments of the earliest run of each episode.
func (s *Store) PreviewSegments(ctx context.Context, episodeIDs []string, n int) (map[string][]models.Segment, error) {
	out := make(map[string][]models.Segment, len(episodeIDs))
	if len(episodeIDs) == 0 {
		return out, nil
	}

	var segments []models.Segment
	err := s.DB.SelectContext(ctx, &segments, `
		SELECT id, episode_id, run_id, seg_no, start_ms, end_ms, text, created_at FROM (
			SELECT es.*, ROW_NUMBER() OVER (PARTITION BY es.episode_id ORDER BY es.run_id, es.seg_no) AS rn
			FROM episode_segments es
			WHERE es.episode_id::text = ANY($1)
		) ranked
		WHERE rn <= $2
		ORDER BY episode_id, rn`, pq.Array(episodeIDs), n)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		out[seg.EpisodeID] = append(out[seg.EpisodeID], seg)
	}
	return out, nil
}

func (s *Store) CountSegments(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, "SELECT count(*) FROM episode_segments WHERE run_id = $1", runID)
	return n, err
}
