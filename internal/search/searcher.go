// Package search answers free-text queries over both embedding collections
// and fuses the two rankings into one.
package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"podsearch/internal/apperr"
	"podsearch/internal/inference"
	"podsearch/internal/modelpool"
	"podsearch/internal/vectorindex"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrIndexRequired = errors.New("vector index required")
	ErrPoolRequired  = errors.New("model pool required")
	ErrEmptyQuery    = errors.New("query is empty")
)

// Searcher embeds queries with every embedding model and searches the
// matching collections.
type Searcher struct {
	index     vectorindex.Index
	pool      *modelpool.Pool
	embedders []modelpool.Spec
	logger    *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSearcher creates a searcher over the collections of the pool's embedding
// models, in catalog order.
func NewSearcher(index vectorindex.Index, pool *modelpool.Pool, opts ...Option) (*Searcher, error) {
	if index == nil {
		return nil, ErrIndexRequired
	}
	if pool == nil {
		return nil, ErrPoolRequired
	}
	s := &Searcher{
		index:     index,
		pool:      pool,
		embedders: pool.Catalog().ByKind(modelpool.KindEmbedding),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "search")
	return s, nil
}

// ClampLimit applies the default and the upper bound to a requested limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Search returns up to limit segments ranked by their best score in any
// collection.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit = ClampLimit(limit)
	start := time.Now()

	lists := make([]List, len(s.embedders))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range s.embedders {
		g.Go(func() error {
			vec, err := inference.Embed(gctx, s.pool, spec.Name, query)
			if err != nil {
				return err
			}
			hits, err := s.index.Search(gctx, spec.Collection, vec, 2*limit)
			if err != nil {
				return apperr.Index("search "+spec.Collection, err)
			}
			lists[i] = List{Label: spec.Label, Hits: hits}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("search failed", "err", err)
		return nil, err
	}

	results := Merge(limit, lists...)
	s.logger.Debug("search done", "results", len(results), "elapsed", time.Since(start))
	return results, nil
}
