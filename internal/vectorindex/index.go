// Package vectorindex stores segment embeddings in named collections and
// answers nearest-neighbour queries over them.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"podsearch/internal/models"
)

// Payload field names, shared by every backend.
const (
	FieldEpisodeID = "episode_id"
	FieldRunID     = "run_id"
	FieldSegNo     = "seg_no"
	FieldModelName = "model_name"
	FieldText      = "text"
	FieldStart     = "start"
	FieldEnd       = "end"
)

// ErrDimension is returned when a vector does not match its collection.
var ErrDimension = errors.New("vector dimension does not match collection")

// Payload is the metadata stored with every point. Start and End are milliseconds.
type Payload struct {
	EpisodeID string `json:"episode_id"`
	RunID     int64  `json:"run_id"`
	SegNo     int    `json:"seg_no"`
	ModelName string `json:"model_name"`
	Text      string `json:"text"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// Key identifies the segment the point was built from.
func (p Payload) Key() string {
	return models.SegmentKey(p.EpisodeID, p.SegNo)
}

// Point is one stored vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a search result.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Filter selects points by payload. Zero fields match everything; at least
// one field must be set for deletes.
type Filter struct {
	EpisodeID string
	RunID     int64
}

func (f Filter) empty() bool { return f.EpisodeID == "" && f.RunID == 0 }

func (f Filter) match(p Payload) bool {
	if f.EpisodeID != "" && p.EpisodeID != f.EpisodeID {
		return false
	}
	if f.RunID != 0 && p.RunID != f.RunID {
		return false
	}
	return true
}

// Index is a vector store with named collections of fixed dimension and
// cosine similarity.
type Index interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, collection string, dim int) error
	Upsert(ctx context.Context, collection string, points ...Point) error
	// Search returns up to limit hits ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error)
	DeleteByFilter(ctx context.Context, collection string, f Filter) error
	// Scroll calls fn for every point of the collection. Vectors are not loaded.
	Scroll(ctx context.Context, collection string, fn func(Point) error) error
	Close() error
}

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func validateCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

var errEmptyFilter = errors.New("refusing to delete with an empty filter")
