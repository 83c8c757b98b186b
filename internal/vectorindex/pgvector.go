package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
)

const nilUUID = "00000000-0000-0000-0000-000000000000"

// Pgvector keeps each collection in a "vectors_<collection>" table of the
// relational database.
type Pgvector struct {
	db *sqlx.DB
}

var _ Index = (*Pgvector)(nil)

// NewPgvector uses db for vector storage. The caller owns db.
func NewPgvector(db *sqlx.DB) *Pgvector {
	return &Pgvector{db: db}
}

type pgPoint struct {
	ID        string          `db:"id"`
	EpisodeID string          `db:"episode_id"`
	RunID     int64           `db:"run_id"`
	SegNo     int             `db:"seg_no"`
	ModelName string          `db:"model_name"`
	Text      string          `db:"text"`
	StartMs   int64           `db:"start_ms"`
	EndMs     int64           `db:"end_ms"`
	Embedding pgvector.Vector `db:"embedding"`
	Score     float32         `db:"score"`
}

func (p pgPoint) payload() Payload {
	return Payload{
		EpisodeID: p.EpisodeID,
		RunID:     p.RunID,
		SegNo:     p.SegNo,
		ModelName: p.ModelName,
		Text:      p.Text,
		Start:     p.StartMs,
		End:       p.EndMs,
	}
}

func table(collection string) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	return "vectors_" + collection, nil
}

// EnsureCollection creates the table with an HNSW cosine index.
func (p *Pgvector) EnsureCollection(ctx context.Context, collection string, dim int) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			episode_id text NOT NULL,
			run_id bigint NOT NULL,
			seg_no integer NOT NULL,
			model_name text NOT NULL,
			text text NOT NULL,
			start_ms bigint NOT NULL,
			end_ms bigint NOT NULL,
			embedding vector(%d) NOT NULL
		)`, t, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_episode_idx ON %[1]s (episode_id)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_run_idx ON %[1]s (run_id)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops)`, t),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create collection %s: %w", collection, err)
		}
	}
	return nil
}

// Upsert writes all points in one transaction.
func (p *Pgvector) Upsert(ctx context.Context, collection string, points ...Point) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (id, episode_id, run_id, seg_no, model_name, text, start_ms, end_ms, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			episode_id = EXCLUDED.episode_id, run_id = EXCLUDED.run_id, seg_no = EXCLUDED.seg_no,
			model_name = EXCLUDED.model_name, text = EXCLUDED.text,
			start_ms = EXCLUDED.start_ms, end_ms = EXCLUDED.end_ms, embedding = EXCLUDED.embedding`, t)
	for _, pt := range points {
		pl := pt.Payload
		_, err := tx.ExecContext(ctx, query, pt.ID, pl.EpisodeID, pl.RunID, pl.SegNo, pl.ModelName, pl.Text,
			pl.Start, pl.End, pgvector.NewVector(pt.Vector))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search orders by cosine distance; the score is cosine similarity.
func (p *Pgvector) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, episode_id, run_id, seg_no, model_name, text, start_ms, end_ms,
		1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, t)

	var rows []pgPoint
	if err := p.db.SelectContext(ctx, &rows, query, pgvector.NewVector(vector), limit); err != nil {
		return nil, err
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{ID: r.ID, Score: r.Score, Payload: r.payload()}
	}
	return hits, nil
}

// DeleteByFilter removes matching rows.
func (p *Pgvector) DeleteByFilter(ctx context.Context, collection string, f Filter) error {
	if f.empty() {
		return errEmptyFilter
	}
	t, err := table(collection)
	if err != nil {
		return err
	}
	var (
		conds []string
		args  []any
	)
	if f.EpisodeID != "" {
		args = append(args, f.EpisodeID)
		conds = append(conds, fmt.Sprintf("episode_id = $%d", len(args)))
	}
	if f.RunID != 0 {
		args = append(args, f.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", t, strings.Join(conds, " AND "))
	_, err = p.db.ExecContext(ctx, query, args...)
	return err
}

// Scroll pages through rows by id.
func (p *Pgvector) Scroll(ctx context.Context, collection string, fn func(Point) error) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT id, episode_id, run_id, seg_no, model_name, text, start_ms, end_ms
		FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, t)

	after := nilUUID
	for {
		var rows []pgPoint
		if err := p.db.SelectContext(ctx, &rows, query, after, scrollPage); err != nil {
			return err
		}
		for _, r := range rows {
			if err := fn(Point{ID: r.ID, Payload: r.payload()}); err != nil {
				return err
			}
		}
		if len(rows) < scrollPage {
			return nil
		}
		after = rows[len(rows)-1].ID
	}
}

// Close is a no-op; the database handle belongs to the caller.
func (p *Pgvector) Close() error { return nil }
