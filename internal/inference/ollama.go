package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"podsearch/internal/modelpool"
)

const defaultOllamaURL = "http://localhost:11434"

// ollamaEmbedder embeds through a local Ollama server. The model is kept
// resident ("keep_alive": -1) until the pool releases it.
type ollamaEmbedder struct {
	spec       modelpool.Spec
	embedder   *embeddings.EmbedderImpl
	control    openai.Client
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Embedder = (*ollamaEmbedder)(nil)

func loadOllamaEmbedder(ctx context.Context, spec modelpool.Spec, httpClient *http.Client, logger *slog.Logger) (*ollamaEmbedder, error) {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}

	llm, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(spec.Name),
		ollama.WithKeepAlive("-1"),
		ollama.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	e := &ollamaEmbedder{
		spec:     spec,
		embedder: embedder,
		control: openai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(1),
		),
		httpClient: httpClient,
		logger:     logger.With("model", spec.Name),
	}
	if err := warmUp(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Embed returns the embedding for a single text.
func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embedder.EmbedQuery(ctx, text)
}

// Dimension returns the configured vector dimensionality.
func (e *ollamaEmbedder) Dimension() int {
	return e.spec.Dimension
}

// Release tells Ollama to evict the model from memory right away.
func (e *ollamaEmbedder) Release(ctx context.Context) error {
	defer e.httpClient.CloseIdleConnections()
	body := map[string]any{"model": e.spec.Name, "keep_alive": 0}
	if err := e.control.Post(ctx, "api/generate", body, nil); err != nil {
		return fmt.Errorf("unload %s: %w", e.spec.Name, err)
	}
	e.logger.Debug("weights released")
	return nil
}
