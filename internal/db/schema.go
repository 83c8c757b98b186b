package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS episodes (
		id uuid PRIMARY KEY,
		media_type text NOT NULL,
		name text NOT NULL,
		ext text NOT NULL,
		bytes bigint NOT NULL,
		hash text NOT NULL UNIQUE,
		length_ms bigint,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS episodes_created_at_idx ON episodes (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transcription_runs (
		id bigserial PRIMARY KEY,
		episode_id uuid NOT NULL REFERENCES episodes (id) ON DELETE CASCADE,
		model_name text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (episode_id, model_name)
	)`,
	`CREATE TABLE IF NOT EXISTS episode_segments (
		id bigserial PRIMARY KEY,
		episode_id uuid NOT NULL REFERENCES episodes (id) ON DELETE CASCADE,
		run_id bigint NOT NULL REFERENCES transcription_runs (id) ON DELETE CASCADE,
		seg_no integer NOT NULL,
		start_ms bigint NOT NULL,
		end_ms bigint NOT NULL CHECK (end_ms >= start_ms),
		text text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (run_id, seg_no)
	)`,
	`CREATE INDEX IF NOT EXISTS episode_segments_episode_idx ON episode_segments (episode_id, seg_no)`,
}

// EnsureSchema creates the tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
