package models

import (
	"fmt"
	"time"
)

// TranscriptionRun is one completed transcription of an episode by one model.
type TranscriptionRun struct {
	ID        int64     `db:"id" json:"id"`
	EpisodeID string    `db:"episode_id" json:"episode_id"`
	ModelName string    `db:"model_name" json:"model_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Segment is a time-bounded span of transcribed text within a run.
type Segment struct {
	ID        int64     `db:"id" json:"id"`
	EpisodeID string    `db:"episode_id" json:"episode_id"`
	RunID     int64     `db:"run_id" json:"run_id"`
	SegNo     int       `db:"seg_no" json:"seg_no"`
	StartMs   int64     `db:"start_ms" json:"start_ms"`
	EndMs     int64     `db:"end_ms" json:"end_ms"`
	Text      string    `db:"text" json:"text"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SegmentKey correlates the same segment across vector collections.
func SegmentKey(episodeID string, segNo int) string {
	return fmt.Sprintf("%s-%04d", episodeID, segNo)
}

// Key returns the cross-collection key of s.
func (s Segment) Key() string {
	return SegmentKey(s.EpisodeID, s.SegNo)
}
