// Package reconcile removes vector points whose transcription run no longer
// exists, such as those left behind by a crash between indexing and commit.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"podsearch/internal/apperr"
	"podsearch/internal/vectorindex"
)

const defaultGrace = time.Hour

// Store answers which runs and episodes exist.
type Store interface {
	ExistingRuns(ctx context.Context, ids []int64) (map[int64]bool, error)
	EpisodesCreatedAt(ctx context.Context, ids []string) (map[string]time.Time, error)
}

// Report summarizes one pass. Pending counts orphan points still inside the
// grace period.
type Report struct {
	Collections int `json:"collections"`
	Points      int `json:"points"`
	Orphans     int `json:"orphans"`
	Pending     int `json:"pending"`
	Deleted     int `json:"deleted"`
}

type group struct {
	episodeID string
	runID     int64
}

type seenKey struct {
	collection string
	group
}

// Reconciler compares the vector index with the relational store.
type Reconciler struct {
	store       Store
	index       vectorindex.Index
	collections []string
	grace       time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu sync.Mutex
	// firstSeen records when a group of an existing episode was first found
	// without a committed run.
	firstSeen map[seenKey]time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithGrace sets how long points of an existing episode must stay without a
// committed run before they are deleted. A run is invisible until its
// transaction commits, so the grace must outlast the longest ingestion.
// Zero deletes on first sight.
func WithGrace(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(store Store, index vectorindex.Index, collections []string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		index:       index,
		collections: collections,
		grace:       defaultGrace,
		now:         time.Now,
		logger:      slog.Default(),
		firstSeen:   make(map[seenKey]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	return r
}

// Run scans every collection and deletes orphaned points. Points of a deleted
// episode go at once; points of a missing run on an existing episode go once
// they have been orphaned for the grace period, as seen by earlier passes of
// this Reconciler. A failing collection does not stop the others.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	var errs []error
	for _, coll := range r.collections {
		if err := r.reconcile(ctx, coll, &report); err != nil {
			r.logger.Error("reconcile failed", "collection", coll, "err", err)
			errs = append(errs, err)
			continue
		}
		report.Collections++
	}
	r.logger.Info("reconcile finished", "points", report.Points, "orphans", report.Orphans, "pending", report.Pending, "deleted", report.Deleted)
	return report, errors.Join(errs...)
}

func (r *Reconciler) reconcile(ctx context.Context, collection string, report *Report) error {
	counts := make(map[group]int)
	err := r.index.Scroll(ctx, collection, func(p vectorindex.Point) error {
		counts[group{p.Payload.EpisodeID, p.Payload.RunID}]++
		report.Points++
		return nil
	})
	if err != nil {
		return apperr.Index("scroll "+collection, err)
	}
	if len(counts) == 0 {
		return nil
	}

	runIDs := make([]int64, 0, len(counts))
	episodeIDs := make([]string, 0, len(counts))
	seenEpisode := make(map[string]bool)
	for g := range counts {
		runIDs = append(runIDs, g.runID)
		if !seenEpisode[g.episodeID] {
			seenEpisode[g.episodeID] = true
			episodeIDs = append(episodeIDs, g.episodeID)
		}
	}

	runs, err := r.store.ExistingRuns(ctx, runIDs)
	if err != nil {
		return apperr.Storage("lookup runs", err)
	}
	created, err := r.store.EpisodesCreatedAt(ctx, episodeIDs)
	if err != nil {
		return apperr.Storage("lookup episodes", err)
	}

	now := r.now()
	orphaned := make(map[seenKey]bool)
	var errs []error
	for g, n := range counts {
		if runs[g.runID] {
			continue
		}
		report.Orphans += n

		if _, exists := created[g.episodeID]; exists {
			if g.runID == 0 {
				// Without a run id the points cannot be told apart from live ones.
				continue
			}
			key := seenKey{collection, g}
			orphaned[key] = true
			first, seen := r.firstSeen[key]
			if !seen {
				first = now
				r.firstSeen[key] = now
			}
			if now.Sub(first) < r.grace {
				report.Pending += n
				continue
			}
		}

		filter := vectorindex.Filter{RunID: g.runID}
		if g.runID == 0 {
			filter = vectorindex.Filter{EpisodeID: g.episodeID}
		}
		if err := r.index.DeleteByFilter(ctx, collection, filter); err != nil {
			errs = append(errs, apperr.Index("delete orphans from "+collection, err))
			continue
		}
		report.Deleted += n
		delete(r.firstSeen, seenKey{collection, g})
		delete(orphaned, seenKey{collection, g})
		r.logger.Info("orphan points deleted", "collection", collection, "episode_id", g.episodeID, "run_id", g.runID, "points", n)
	}

	// Groups whose run committed or whose points vanished start over.
	for key := range r.firstSeen {
		if key.collection == collection && !orphaned[key] {
			delete(r.firstSeen, key)
		}
	}
	return errors.Join(errs...)
}
