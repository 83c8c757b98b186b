package ingest

import (
	"context"
	"io"
	"os"

	"podsearch/internal/db"
	"podsearch/internal/models"
)

// Repository is the relational state the pipeline reads and writes.
type Repository interface {
	CreateEpisode(ctx context.Context, e models.Episode) (models.Episode, error)
	GetEpisode(ctx context.Context, id string) (models.Episode, error)
	GetEpisodeByHash(ctx context.Context, hash string) (models.Episode, error)
	UpdateEpisodeLength(ctx context.Context, id string, lengthMs int64) error
	DeleteEpisode(ctx context.Context, id string) (bool, error)
	GetRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error)
	DeleteRun(ctx context.Context, runID int64) error
	BeginRun(ctx context.Context) (RunWriter, error)
}

// RunWriter writes one run and its segments atomically.
type RunWriter interface {
	CreateRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error)
	CreateSegment(ctx context.Context, seg models.Segment) (models.Segment, error)
	Commit() error
	Rollback() error
}

// MediaStore holds the uploaded bytes.
type MediaStore interface {
	Save(id, ext string, data io.Reader) (int64, error)
	Open(id, ext string) (*os.File, error)
	Delete(id, ext string) error
}

type storeRepository struct {
	*db.Store
}

// NewRepository adapts the relational store to the pipeline.
func NewRepository(store *db.Store) Repository {
	return storeRepository{store}
}

func (r storeRepository) BeginRun(ctx context.Context) (RunWriter, error) {
	tx, err := r.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
