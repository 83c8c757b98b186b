// Package ingest turns uploaded audio into transcribed, embedded and indexed
// segments, and removes them again.
package ingest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"podsearch/internal/apperr"
	"podsearch/internal/db"
	"podsearch/internal/inference"
	"podsearch/internal/modelpool"
	"podsearch/internal/models"
	"podsearch/internal/vectorindex"
	"podsearch/pkg/tasks"
)

const (
	defaultUpsertAttempts = 3
	defaultRetryBase      = 200 * time.Millisecond
)

// Pipeline ingests uploads. It is safe for concurrent use.
type Pipeline struct {
	repo         Repository
	media        MediaStore
	index        vectorindex.Index
	pool         *modelpool.Pool
	embedders    []modelpool.Spec
	defaultModel string
	timeout      time.Duration
	attempts     uint64
	retryBase    time.Duration
	queue        tasks.TaskEnqueuer
	logger       *slog.Logger

	// uploads is keyed by content hash.
	uploads singleflight.Group
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaultModel sets the transcription model used when none is requested.
func WithDefaultModel(name string) Option {
	return func(p *Pipeline) { p.defaultModel = name }
}

// WithTimeout bounds a whole upload or re-transcription.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithUpsertRetry sets how many times an index write is attempted and the
// first backoff delay.
func WithUpsertRetry(attempts int, base time.Duration) Option {
	return func(p *Pipeline) {
		if attempts > 0 {
			p.attempts = uint64(attempts)
		}
		if base > 0 {
			p.retryBase = base
		}
	}
}

// WithCleanupQueue hands cleanups that failed inline to background workers.
func WithCleanupQueue(q tasks.TaskEnqueuer) Option {
	return func(p *Pipeline) { p.queue = q }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a pipeline. Every embedding model of the pool's catalog
// gets one point per segment in its collection.
func NewPipeline(repo Repository, media MediaStore, index vectorindex.Index, pool *modelpool.Pool, opts ...Option) (*Pipeline, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if media == nil {
		return nil, ErrMediaStoreRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}
	if pool == nil {
		return nil, ErrPoolRequired
	}

	p := &Pipeline{
		repo:      repo,
		media:     media,
		index:     index,
		pool:      pool,
		embedders: pool.Catalog().ByKind(modelpool.KindEmbedding),
		attempts:  defaultUpsertAttempts,
		retryBase: defaultRetryBase,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ingest")

	if len(p.embedders) == 0 {
		return nil, ErrNoEmbedders
	}
	if p.defaultModel == "" {
		if ts := pool.Catalog().ByKind(modelpool.KindTranscription); len(ts) > 0 {
			p.defaultModel = ts[0].Name
		}
	}
	return p, nil
}

// DefaultModel returns the transcription model used when none is requested.
func (p *Pipeline) DefaultModel() string { return p.defaultModel }

// EnsureCollections creates the vector collections of every embedding model.
func (p *Pipeline) EnsureCollections(ctx context.Context) error {
	for _, spec := range p.embedders {
		if err := p.index.EnsureCollection(ctx, spec.Collection, spec.Dimension); err != nil {
			return apperr.Index("ensure collection "+spec.Collection, err)
		}
	}
	return nil
}

func (p *Pipeline) resolveModel(name string) (string, error) {
	if name == "" {
		name = p.defaultModel
	}
	spec, ok := p.pool.Catalog().Lookup(name)
	if !ok || spec.Kind != modelpool.KindTranscription {
		return "", fmt.Errorf("%w: %q", apperr.ErrInvalidModel, name)
	}
	return name, nil
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}

// Upload ingests one audio file and returns its episode id. Content that was
// uploaded before returns the existing id without any further work. Callers
// uploading the same bytes at the same time share one ingestion and its
// outcome, so none of them is handed an id that a failure removes afterwards.
func (p *Pipeline) Upload(ctx context.Context, r io.Reader, filename, modelName string) (episodeID string, err error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)
	mt, err := DetectMedia(head, filename)
	if err != nil {
		return "", err
	}

	spool, size, hash, err := spoolAndHash(br)
	if err != nil {
		return "", err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	v, err, shared := p.uploads.Do(hash, func() (any, error) {
		id, err := p.ingestNew(ctx, spool, size, hash, mt, filename, modelName)
		return id, err
	})
	if err != nil {
		return "", err
	}
	if shared {
		p.logger.Debug("joined concurrent upload", "hash", hash[:12], "episode_id", v)
	}
	return v.(string), nil
}

func (p *Pipeline) ingestNew(ctx context.Context, spool *os.File, size int64, hash string, mt MediaType, filename, modelName string) (episodeID string, err error) {
	logger := p.logger.With("hash", hash[:12], "filename", filename)

	existing, err := p.repo.GetEpisodeByHash(ctx, hash)
	switch {
	case err == nil:
		logger.Info("duplicate upload", "episode_id", existing.ID)
		return existing.ID, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return "", apperr.Storage("lookup hash", err)
	}

	model, err := p.resolveModel(modelName)
	if err != nil {
		return "", err
	}

	episode, err := p.repo.CreateEpisode(ctx, models.Episode{
		ID:        uuid.NewString(),
		MediaType: mt.MIME,
		Name:      filepath.Base(filename),
		Ext:       mt.Ext,
		Bytes:     size,
		Hash:      hash,
	})
	if db.IsUniqueViolation(err) {
		// Another process won the insert of the same bytes.
		winner, lookupErr := p.repo.GetEpisodeByHash(ctx, hash)
		if lookupErr != nil {
			return "", apperr.Storage("lookup hash", lookupErr)
		}
		logger.Info("duplicate upload", "episode_id", winner.ID)
		return winner.ID, nil
	}
	if err != nil {
		return "", apperr.Storage("create episode", err)
	}

	logger = logger.With("episode_id", episode.ID, "model", model)
	defer func() {
		if err == nil {
			return
		}
		logger.Error("ingestion failed, cleaning up", "err", err)
		if cerr := p.Cleanup(context.WithoutCancel(ctx), episode.ID, episode.Ext); cerr != nil {
			p.deferCleanup(episode)
		}
	}()

	if _, err = spool.Seek(0, io.SeekStart); err != nil {
		return "", apperr.Storage("rewind upload", err)
	}
	if _, err = p.media.Save(episode.ID, episode.Ext, spool); err != nil {
		return "", err
	}

	start := time.Now()
	runID, duration, err := p.transcribeAndIndex(ctx, episode, model)
	if err != nil {
		return "", err
	}

	if duration != nil {
		if err = p.repo.UpdateEpisodeLength(ctx, episode.ID, secondsToMs(*duration)); err != nil {
			return "", apperr.Storage("update length", err)
		}
	}

	logger.Info("episode ingested", "run_id", runID, "elapsed", time.Since(start))
	return episode.ID, nil
}

// Retranscribe adds a run for another model to an existing episode. On
// failure only the new run is removed.
func (p *Pipeline) Retranscribe(ctx context.Context, episodeID, modelName string) (runID int64, err error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	episode, err := p.repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return 0, err
	}
	model, err := p.resolveModel(modelName)
	if err != nil {
		return 0, err
	}
	_, err = p.repo.GetRun(ctx, episodeID, model)
	switch {
	case err == nil:
		return 0, fmt.Errorf("%s on %s: %w", model, episodeID, apperr.ErrDuplicateTranscription)
	case !errors.Is(err, apperr.ErrNotFound):
		return 0, apperr.Storage("lookup run", err)
	}

	logger := p.logger.With("episode_id", episodeID, "model", model)
	runID, _, err = p.transcribeAndIndex(ctx, episode, model)
	if err != nil {
		logger.Error("re-transcription failed", "err", err)
		if runID != 0 {
			p.cleanupRun(context.WithoutCancel(ctx), runID)
		}
		return 0, err
	}
	logger.Info("episode re-transcribed", "run_id", runID)
	return runID, nil
}

// transcribeAndIndex writes one run with all its segments and points. The
// run id is returned as soon as it is known, even on failure, so the caller
// can remove points that were already indexed.
func (p *Pipeline) transcribeAndIndex(ctx context.Context, episode models.Episode, model string) (int64, *float64, error) {
	f, err := p.media.Open(episode.ID, episode.Ext)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	tr, err := inference.Transcribe(ctx, p.pool, model, f, episode.Filename())
	if err != nil {
		return 0, nil, err
	}

	tx, err := p.repo.BeginRun(ctx)
	if err != nil {
		return 0, nil, apperr.Storage("begin run", err)
	}
	defer tx.Rollback()

	run, err := tx.CreateRun(ctx, episode.ID, model)
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateTranscription) {
			return 0, nil, err
		}
		return 0, nil, apperr.Storage("create run", err)
	}

	for i, chunk := range tr.Chunks {
		if err := ctx.Err(); err != nil {
			return run.ID, nil, err
		}
		start, end := chunkBounds(chunk)
		seg, err := tx.CreateSegment(ctx, models.Segment{
			EpisodeID: episode.ID,
			RunID:     run.ID,
			SegNo:     i,
			StartMs:   start,
			EndMs:     end,
			Text:      chunk.Text,
		})
		if err != nil {
			return run.ID, nil, apperr.Storage("create segment", err)
		}
		if err := p.indexSegment(ctx, seg, model); err != nil {
			return run.ID, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return run.ID, nil, apperr.Storage("commit run", err)
	}
	p.logger.Debug("run committed", "episode_id", episode.ID, "run_id", run.ID, "segments", len(tr.Chunks))
	return run.ID, tr.Duration, nil
}

// indexSegment embeds the segment with every embedding model concurrently and
// stores one point per collection.
func (p *Pipeline) indexSegment(ctx context.Context, seg models.Segment, model string) error {
	vectors := make([][]float32, len(p.embedders))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range p.embedders {
		g.Go(func() error {
			v, err := inference.Embed(gctx, p.pool, spec.Name, seg.Text)
			if err != nil {
				return err
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	payload := vectorindex.Payload{
		EpisodeID: seg.EpisodeID,
		RunID:     seg.RunID,
		SegNo:     seg.SegNo,
		ModelName: model,
		Text:      seg.Text,
		Start:     seg.StartMs,
		End:       seg.EndMs,
	}
	for i, spec := range p.embedders {
		point := vectorindex.Point{ID: uuid.NewString(), Vector: vectors[i], Payload: payload}
		if err := p.upsert(ctx, spec.Collection, point); err != nil {
			return apperr.Index("upsert "+spec.Collection, err)
		}
	}
	return nil
}

func (p *Pipeline) upsert(ctx context.Context, collection string, point vectorindex.Point) error {
	backoff := retry.WithMaxRetries(p.attempts-1, retry.NewExponential(p.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := p.index.Upsert(ctx, collection, point)
		if err == nil || errors.Is(err, vectorindex.ErrDimension) {
			return err
		}
		p.logger.Warn("upsert failed, retrying", "collection", collection, "err", err)
		return retry.RetryableError(err)
	})
}

// chunkBounds converts seconds to milliseconds. Missing offsets become 0 and
// the end never precedes the start.
func chunkBounds(c inference.Chunk) (int64, int64) {
	var start, end int64
	if c.Start != nil {
		start = secondsToMs(*c.Start)
	}
	if c.End != nil {
		end = secondsToMs(*c.End)
	}
	if end < start {
		end = start
	}
	return start, end
}

// secondsToMs saturates at math.MaxInt64 for +Inf and out of range values.
func secondsToMs(s float64) int64 {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	ms := math.Round(s * 1000)
	if ms >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(ms)
}

// spoolAndHash copies r to a temporary file while hashing it.
func spoolAndHash(r io.Reader) (*os.File, int64, string, error) {
	spool, err := os.CreateTemp("", "podsearch-upload-*")
	if err != nil {
		return nil, 0, "", apperr.Storage("spool upload", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(spool, h), r)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, 0, "", apperr.Storage("spool upload", err)
	}
	return spool, n, hex.EncodeToString(h.Sum(nil)), nil
}
