// Package inference materializes the models named in the catalog and exposes
// them as transcribers and embedders.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"podsearch/internal/modelpool"
)

// Backends understood by Loader.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Chunk is one time-stamped span of a transcription. Offsets are seconds and
// may be missing.
type Chunk struct {
	Text  string
	Start *float64
	End   *float64
}

// Transcription is the result of transcribing one audio file.
type Transcription struct {
	Chunks   []Chunk
	Duration *float64
}

// Transcriber turns audio into time-stamped text.
type Transcriber interface {
	modelpool.Model
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcription, error)
}

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	modelpool.Model
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

var (
	// ErrWrongKind is returned when a model is used for something it does not do.
	ErrWrongKind = errors.New("model does not support this operation")

	// ErrDimensionMismatch is returned when a backend produces vectors of an unexpected size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Transcribe runs audio through the named transcription model of the pool.
func Transcribe(ctx context.Context, pool *modelpool.Pool, name string, audio io.Reader, filename string) (*Transcription, error) {
	return modelpool.Run(ctx, pool, name, func(ctx context.Context, m modelpool.Model) (*Transcription, error) {
		t, ok := m.(Transcriber)
		if !ok {
			return nil, fmt.Errorf("%w: %s cannot transcribe", ErrWrongKind, name)
		}
		return t.Transcribe(ctx, audio, filename)
	})
}

// Embed embeds text with the named embedding model of the pool. The model's
// prefix is prepended to stored segments and queries alike.
func Embed(ctx context.Context, pool *modelpool.Pool, name, text string) ([]float32, error) {
	if spec, ok := pool.Catalog().Lookup(name); ok {
		text = spec.QueryPrefix + text
	}
	return modelpool.Run(ctx, pool, name, func(ctx context.Context, m modelpool.Model) ([]float32, error) {
		e, ok := m.(Embedder)
		if !ok {
			return nil, fmt.Errorf("%w: %s cannot embed", ErrWrongKind, name)
		}
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != e.Dimension() {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.Dimension())
		}
		return vec, nil
	})
}

// Loader builds models for every supported backend.
type Loader struct {
	logger  *slog.Logger
	timeout time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets a custom logger.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRequestTimeout bounds every backend request.
func WithRequestTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{logger: slog.Default(), timeout: 30 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "inference")
	return l
}

// Load implements modelpool.Loader.
func (l *Loader) Load(ctx context.Context, spec modelpool.Spec) (modelpool.Model, error) {
	// Each model owns its connections so releasing it frees them.
	httpClient := &http.Client{Timeout: l.timeout}

	switch spec.Backend {
	case BackendOpenAI, "":
		switch spec.Kind {
		case modelpool.KindTranscription:
			return loadOpenAITranscriber(ctx, spec, httpClient, l.logger)
		case modelpool.KindEmbedding:
			return loadOpenAIEmbedder(ctx, spec, httpClient, l.logger)
		}
	case BackendOllama:
		if spec.Kind == modelpool.KindEmbedding {
			return loadOllamaEmbedder(ctx, spec, httpClient, l.logger)
		}
		return nil, fmt.Errorf("%w: ollama backend serves embeddings only", ErrWrongKind)
	}
	return nil, fmt.Errorf("unsupported backend %q for %s model %q", spec.Backend, spec.Kind, spec.Name)
}

// warmUp embeds a probe to force the backend to load weights and checks the dimension.
func warmUp(ctx context.Context, e Embedder) error {
	vec, err := e.Embed(ctx, "warm-up")
	if err != nil {
		return fmt.Errorf("warm-up embedding: %w", err)
	}
	if len(vec) != e.Dimension() {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.Dimension())
	}
	return nil
}

func float64sToFloat32s(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
