package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"podsearch/internal/modelpool"
)

// openAIModel is a model served by an OpenAI-compatible endpoint
// (vLLM, faster-whisper-server, LocalAI, the OpenAI API itself).
type openAIModel struct {
	spec       modelpool.Spec
	client     openai.Client
	httpClient *http.Client
	logger     *slog.Logger
}

func newOpenAIModel(spec modelpool.Spec, httpClient *http.Client, logger *slog.Logger) *openAIModel {
	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithAPIKey(spec.APIKey),
		option.WithMaxRetries(2),
	}
	if spec.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(spec.BaseURL))
	}
	return &openAIModel{
		spec:       spec,
		client:     openai.NewClient(opts...),
		httpClient: httpClient,
		logger:     logger.With("model", spec.Name),
	}
}

// preload asks the server to bring weights onto the configured device.
func (m *openAIModel) preload(ctx context.Context) error {
	if m.spec.LoadURL == "" {
		return nil
	}
	body := map[string]any{"model": m.spec.Name}
	if m.spec.Device != "" {
		body["device"] = m.spec.Device
	}
	if err := m.client.Post(ctx, m.spec.LoadURL, body, nil); err != nil {
		return fmt.Errorf("preload %s: %w", m.spec.Name, err)
	}
	return nil
}

// Release asks the server to drop the weights and closes pooled connections.
func (m *openAIModel) Release(ctx context.Context) error {
	defer m.httpClient.CloseIdleConnections()
	if m.spec.UnloadURL == "" {
		return nil
	}
	if err := m.client.Post(ctx, m.spec.UnloadURL, map[string]any{"model": m.spec.Name}, nil); err != nil {
		return fmt.Errorf("unload %s: %w", m.spec.Name, err)
	}
	m.logger.Debug("weights released")
	return nil
}

type openAITranscriber struct {
	*openAIModel
}

var _ Transcriber = (*openAITranscriber)(nil)

func loadOpenAITranscriber(ctx context.Context, spec modelpool.Spec, httpClient *http.Client, logger *slog.Logger) (*openAITranscriber, error) {
	m := newOpenAIModel(spec, httpClient, logger)
	if err := m.preload(ctx); err != nil {
		return nil, err
	}
	return &openAITranscriber{m}, nil
}

// Transcribe uploads the audio and asks for segment-level timestamps.
func (t *openAITranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcription, error) {
	params := openai.AudioTranscriptionNewParams{
		File:                   openai.File(audio, filename, mime.TypeByExtension(filepath.Ext(filename))),
		Model:                  t.spec.Name,
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
	}
	res, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return parseVerboseJSON(res.RawJSON(), res.Text), nil
}

// parseVerboseJSON reads segments and duration from a verbose_json body.
// Servers that return no segments yield a single untimed chunk.
func parseVerboseJSON(raw, text string) *Transcription {
	out := &Transcription{}
	if d := gjson.Get(raw, "duration"); d.Exists() && d.Type == gjson.Number {
		v := d.Float()
		out.Duration = &v
	}

	for _, seg := range gjson.Get(raw, "segments").Array() {
		c := Chunk{Text: seg.Get("text").String()}
		if s := seg.Get("start"); s.Type == gjson.Number {
			v := s.Float()
			c.Start = &v
		}
		if e := seg.Get("end"); e.Type == gjson.Number {
			v := e.Float()
			c.End = &v
		}
		out.Chunks = append(out.Chunks, c)
	}

	if len(out.Chunks) == 0 && text != "" {
		out.Chunks = []Chunk{{Text: text}}
	}
	return out
}

type openAIEmbedder struct {
	*openAIModel
}

var _ Embedder = (*openAIEmbedder)(nil)

func loadOpenAIEmbedder(ctx context.Context, spec modelpool.Spec, httpClient *http.Client, logger *slog.Logger) (*openAIEmbedder, error) {
	m := newOpenAIModel(spec, httpClient, logger)
	if err := m.preload(ctx); err != nil {
		return nil, err
	}
	e := &openAIEmbedder{m}
	if err := warmUp(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Embed returns the embedding for a single text.
func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          e.spec.Name,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(resp.Data))
	}
	return float64sToFloat32s(resp.Data[0].Embedding), nil
}

// Dimension returns the configured vector dimensionality.
func (e *openAIEmbedder) Dimension() int {
	return e.spec.Dimension
}
