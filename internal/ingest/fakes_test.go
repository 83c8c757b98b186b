package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"podsearch/internal/apperr"
	"podsearch/internal/inference"
	"podsearch/internal/modelpool"
	"podsearch/internal/models"
	"podsearch/internal/storage"
	"podsearch/internal/vectorindex"
)

// fakeRepo enforces the same uniqueness rules as the real schema.
type fakeRepo struct {
	mu       sync.Mutex
	episodes map[string]models.Episode
	runs     map[int64]models.TranscriptionRun
	segments []models.Segment
	nextID   int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{episodes: map[string]models.Episode{}, runs: map[int64]models.TranscriptionRun{}}
}

func (r *fakeRepo) CreateEpisode(ctx context.Context, e models.Episode) (models.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.episodes {
		if other.Hash == e.Hash {
			return models.Episode{}, &pq.Error{Code: "23505", Constraint: "episodes_hash_key"}
		}
	}
	e.CreatedAt = time.Now()
	r.episodes[e.ID] = e
	return e, nil
}

func (r *fakeRepo) GetEpisode(ctx context.Context, id string) (models.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.episodes[id]
	if !ok {
		return e, fmt.Errorf("episode %s: %w", id, apperr.ErrNotFound)
	}
	return e, nil
}

func (r *fakeRepo) GetEpisodeByHash(ctx context.Context, hash string) (models.Episode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.episodes {
		if e.Hash == hash {
			return e, nil
		}
	}
	return models.Episode{}, apperr.ErrNotFound
}

func (r *fakeRepo) UpdateEpisodeLength(ctx context.Context, id string, lengthMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.episodes[id]
	e.LengthMs = &lengthMs
	r.episodes[id] = e
	return nil
}

func (r *fakeRepo) DeleteEpisode(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.episodes[id]
	delete(r.episodes, id)
	for rid, run := range r.runs {
		if run.EpisodeID == id {
			delete(r.runs, rid)
		}
	}
	kept := r.segments[:0]
	for _, s := range r.segments {
		if s.EpisodeID != id {
			kept = append(kept, s)
		}
	}
	r.segments = kept
	return existed, nil
}

func (r *fakeRepo) GetRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.EpisodeID == episodeID && run.ModelName == modelName {
			return run, nil
		}
	}
	return models.TranscriptionRun{}, apperr.ErrNotFound
}

func (r *fakeRepo) DeleteRun(ctx context.Context, runID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
	kept := r.segments[:0]
	for _, s := range r.segments {
		if s.RunID != runID {
			kept = append(kept, s)
		}
	}
	r.segments = kept
	return nil
}

func (r *fakeRepo) BeginRun(ctx context.Context) (RunWriter, error) {
	return &fakeTx{repo: r}, nil
}

func (r *fakeRepo) episodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.episodes)
}

func (r *fakeRepo) segmentsOf(episodeID string) []models.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Segment
	for _, s := range r.segments {
		if s.EpisodeID == episodeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].SegNo < out[j].SegNo
	})
	return out
}

func (r *fakeRepo) runsOf(episodeID string) []models.TranscriptionRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TranscriptionRun
	for _, run := range r.runs {
		if run.EpisodeID == episodeID {
			out = append(out, run)
		}
	}
	return out
}

type fakeTx struct {
	repo     *fakeRepo
	run      *models.TranscriptionRun
	segments []models.Segment
	done     bool
}

func (t *fakeTx) CreateRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, run := range t.repo.runs {
		if run.EpisodeID == episodeID && run.ModelName == modelName {
			return models.TranscriptionRun{}, apperr.ErrDuplicateTranscription
		}
	}
	t.repo.nextID++
	t.run = &models.TranscriptionRun{ID: t.repo.nextID, EpisodeID: episodeID, ModelName: modelName, CreatedAt: time.Now()}
	return *t.run, nil
}

func (t *fakeTx) CreateSegment(ctx context.Context, seg models.Segment) (models.Segment, error) {
	if err := ctx.Err(); err != nil {
		return seg, err
	}
	for _, s := range t.segments {
		if s.SegNo == seg.SegNo {
			return seg, &pq.Error{Code: "23505"}
		}
	}
	t.repo.mu.Lock()
	t.repo.nextID++
	seg.ID = t.repo.nextID
	t.repo.mu.Unlock()
	t.segments = append(t.segments, seg)
	return seg, nil
}

func (t *fakeTx) Commit() error {
	if t.done {
		return errors.New("tx already done")
	}
	t.done = true
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.run != nil {
		t.repo.runs[t.run.ID] = *t.run
	}
	t.repo.segments = append(t.repo.segments, t.segments...)
	return nil
}

func (t *fakeTx) Rollback() error {
	t.done = true
	return nil
}

// fakeTranscriber returns a fixed transcription.
type fakeTranscriber struct {
	chunks   []inference.Chunk
	duration *float64
	err      error
	block    chan struct{}
	started  chan struct{}
	once     sync.Once
	calls    atomic.Int32
	released atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*inference.Transcription, error) {
	f.calls.Add(1)
	if _, err := io.Copy(io.Discard, audio); err != nil {
		return nil, err
	}
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Transcription{Chunks: f.chunks, Duration: f.duration}, nil
}

func (f *fakeTranscriber) Release(ctx context.Context) error {
	f.released.Add(1)
	return nil
}

// fakeEmbedder derives a deterministic vector from the text.
type fakeEmbedder struct {
	dim   int
	calls atomic.Int32
	texts sync.Map
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	f.texts.Store(text, true)
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32((seed>>(i*4))&0xf) + 1
	}
	return v, nil
}

func (f *fakeEmbedder) Dimension() int                    { return f.dim }
func (f *fakeEmbedder) Release(ctx context.Context) error { return nil }

// flakyIndex fails a number of upserts before delegating.
type flakyIndex struct {
	*vectorindex.Memory
	mu             sync.Mutex
	upsertFailures int
	upsertErr      error
	deleteErr      error
	upsertCalls    int
}

func (f *flakyIndex) Upsert(ctx context.Context, collection string, points ...vectorindex.Point) error {
	f.mu.Lock()
	f.upsertCalls++
	if f.upsertErr != nil {
		err := f.upsertErr
		f.mu.Unlock()
		return err
	}
	if f.upsertFailures > 0 {
		f.upsertFailures--
		f.mu.Unlock()
		return errors.New("qdrant unavailable")
	}
	f.mu.Unlock()
	return f.Memory.Upsert(ctx, collection, points...)
}

func (f *flakyIndex) DeleteByFilter(ctx context.Context, collection string, flt vectorindex.Filter) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Memory.DeleteByFilter(ctx, collection, flt)
}

type harness struct {
	repo        *fakeRepo
	media       *storage.Store
	index       *flakyIndex
	pool        *modelpool.Pool
	transcriber *fakeTranscriber
	small       *fakeTranscriber
	e5, v2      *fakeEmbedder
	pipeline    *Pipeline
}

func f64(v float64) *float64 { return &v }

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	catalog, err := modelpool.NewCatalog(
		modelpool.Spec{Name: "whisper", Kind: modelpool.KindTranscription},
		modelpool.Spec{Name: "whisper-small", Kind: modelpool.KindTranscription},
		modelpool.Spec{Name: "e5", Kind: modelpool.KindEmbedding, Collection: "episodes_e5", Dimension: 4, QueryPrefix: "query: "},
		modelpool.Spec{Name: "v2", Kind: modelpool.KindEmbedding, Collection: "episodes_v2", Dimension: 4},
	)
	require.NoError(t, err)

	h := &harness{
		repo: newFakeRepo(),
		transcriber: &fakeTranscriber{
			chunks: []inference.Chunk{
				{Text: "hello there", Start: f64(0), End: f64(3.2)},
				{Text: "general kenobi", Start: f64(3.2), End: f64(7.05)},
				{Text: "you are a bold one", Start: f64(7.05), End: f64(10)},
			},
			duration: f64(10),
		},
		small: &fakeTranscriber{chunks: []inference.Chunk{{Text: "hello", Start: f64(0), End: f64(10)}}},
		e5:    &fakeEmbedder{dim: 4},
		v2:    &fakeEmbedder{dim: 4},
		index: &flakyIndex{Memory: vectorindex.NewMemory()},
	}
	h.media, err = storage.New(t.TempDir())
	require.NoError(t, err)

	h.pool = modelpool.New(catalog, modelpool.LoaderFunc(func(ctx context.Context, spec modelpool.Spec) (modelpool.Model, error) {
		switch spec.Name {
		case "whisper":
			return h.transcriber, nil
		case "whisper-small":
			return h.small, nil
		case "e5":
			return h.e5, nil
		default:
			return h.v2, nil
		}
	}))

	opts = append([]Option{WithUpsertRetry(3, time.Millisecond)}, opts...)
	h.pipeline, err = NewPipeline(h.repo, h.media, h.index, h.pool, opts...)
	require.NoError(t, err)
	require.NoError(t, h.pipeline.EnsureCollections(context.Background()))
	return h
}

// makeWAV returns a silent 16 kHz mono 16-bit PCM file.
func makeWAV(seconds int) []byte {
	const rate = 16000
	dataLen := uint32(rate * 2 * seconds)
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, 36+dataLen)
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*2))
	binary.Write(&b, binary.LittleEndian, uint16(2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, dataLen)
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}
