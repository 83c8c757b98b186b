package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podsearch/internal/apperr"
	"podsearch/internal/db"
	"podsearch/internal/modelpool"
	"podsearch/internal/search"
	"podsearch/internal/storage"
	"podsearch/internal/test"
	"podsearch/internal/vectorindex"
	"podsearch/pkg/tasks"
)

var (
	episodeCols = []string{"id", "media_type", "name", "ext", "bytes", "hash", "length_ms", "created_at"}
	segmentCols = []string{"id", "episode_id", "run_id", "seg_no", "start_ms", "end_ms", "text", "created_at"}
	runCols     = []string{"id", "episode_id", "model_name", "created_at"}
)

type mockIngester struct {
	uploaded []string
	body     []byte
	model    string
	deleted  []string
	err      error
}

func (m *mockIngester) Upload(ctx context.Context, r io.Reader, filename, modelName string) (string, error) {
	m.body, _ = io.ReadAll(r)
	m.uploaded = append(m.uploaded, filename)
	m.model = modelName
	if m.err != nil {
		return "", m.err
	}
	return "ep-new", nil
}

func (m *mockIngester) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return m.err
}

func (m *mockIngester) DefaultModel() string { return "whisper" }

type mockSearcher struct {
	query   string
	limit   int
	results []search.Result
	err     error
}

func (m *mockSearcher) Search(ctx context.Context, q string, limit int) ([]search.Result, error) {
	m.query, m.limit = q, limit
	return m.results, m.err
}

type env struct {
	router   *mux.Router
	mock     sqlmock.Sqlmock
	ingester *mockIngester
	searcher *mockSearcher
	enqueuer *test.MockTaskEnqueuer
	media    *storage.Store
	handlers *Handlers
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sqlxDB, mock := test.NewMockDB(t)
	catalog, err := modelpool.NewCatalog(
		modelpool.Spec{Name: "whisper", Kind: modelpool.KindTranscription, Backend: "openai"},
		modelpool.Spec{Name: "e5", Kind: modelpool.KindEmbedding, Collection: "episodes_e5", Dimension: 1024},
	)
	require.NoError(t, err)
	media, err := storage.New(t.TempDir())
	require.NoError(t, err)

	e := &env{
		router:   mux.NewRouter(),
		mock:     mock,
		ingester: &mockIngester{},
		searcher: &mockSearcher{},
		enqueuer: &test.MockTaskEnqueuer{},
		media:    media,
	}
	pool := modelpool.New(catalog, nil)
	e.handlers = New(db.New(sqlxDB), e.ingester, e.searcher, pool, media, e.enqueuer, "http://pod.test", nil)
	passthrough := func(next http.Handler) http.Handler { return next }
	e.handlers.Routes(e.router, passthrough, passthrough)
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestUpload(t *testing.T) {
	e := newEnv(t)

	// 1. Build the multipart request
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "talk.mp3")
	require.NoError(t, err)
	part.Write([]byte("ID3 audio bytes"))
	w.WriteField("model_name", "whisper")
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	// 2. Call the handler
	rr := e.do(req)

	// 3. Assertions
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.JSONEq(t, `{"episode_id":"ep-new"}`, rr.Body.String())
	assert.Equal(t, []string{"talk.mp3"}, e.ingester.uploaded)
	assert.Equal(t, "ID3 audio bytes", string(e.ingester.body))
	assert.Equal(t, "whisper", e.ingester.model)
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unsupported media", apperr.ErrUnsupportedMedia, http.StatusBadRequest},
		{"invalid model", apperr.ErrInvalidModel, http.StatusBadRequest},
		{"inference", &apperr.InferenceError{Model: "whisper", Err: errors.New("oom")}, http.StatusBadGateway},
		{"index", apperr.Index("upsert", errors.New("down")), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.ingester.err = tt.err

			var body bytes.Buffer
			w := multipart.NewWriter(&body)
			part, _ := w.CreateFormFile("file", "a.png")
			part.Write([]byte("x"))
			w.Close()
			req := httptest.NewRequest(http.MethodPost, "/upload", &body)
			req.Header.Set("Content-Type", w.FormDataContentType())

			rr := e.do(req)

			assert.Equal(t, tt.status, rr.Code)
			assert.NotContains(t, rr.Body.String(), "oom")
		})
	}

	t.Run("missing file", func(t *testing.T) {
		e := newEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("model_name=whisper"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := e.do(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, e.ingester.uploaded)
	})
}

func TestListEpisodes(t *testing.T) {
	e := newEnv(t)
	now := time.Now()

	// 1. Define mock expectations
	e.mock.ExpectQuery(`SELECT \* FROM episodes`).WithArgs(2, 2).
		WillReturnRows(sqlmock.NewRows(episodeCols).
			AddRow("ep-1", "audio/wav", "one.wav", "wav", 100, "h1", 10000, now).
			AddRow("ep-2", "audio/mpeg", "two.mp3", "mp3", 200, "h2", nil, now))
	e.mock.ExpectQuery(`SELECT count\(\*\) FROM episodes`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	e.mock.ExpectQuery(`ROW_NUMBER\(\)`).WithArgs(sqlmock.AnyArg(), 3).
		WillReturnRows(sqlmock.NewRows(segmentCols).
			AddRow(1, "ep-1", 7, 0, 0, 3200, "hello there", now).
			AddRow(2, "ep-1", 7, 1, 3200, 7050, "general kenobi", now))

	// 2. Call the handler
	rr := e.do(httptest.NewRequest(http.MethodGet, "/episodes?page=2&per_page=2", nil))

	// 3. Assertions
	require.Equal(t, http.StatusOK, rr.Code)
	var resp episodeListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Total)
	assert.Equal(t, 2, resp.Page)
	require.Len(t, resp.Episodes, 2)
	assert.Equal(t, "http://pod.test/media/ep-1.wav", resp.Episodes[0].MediaURL)
	require.NotNil(t, resp.Episodes[0].Length)
	assert.Equal(t, 10.0, *resp.Episodes[0].Length)
	require.Len(t, resp.Episodes[0].Preview, 2)
	assert.Equal(t, 3.2, resp.Episodes[0].Preview[1].Start)
	assert.Equal(t, 7.05, resp.Episodes[0].Preview[1].End)
	assert.Nil(t, resp.Episodes[1].Length)
	assert.Empty(t, resp.Episodes[1].Preview)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestGetEpisode(t *testing.T) {
	e := newEnv(t)
	now := time.Now()

	e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("ep-1").
		WillReturnRows(sqlmock.NewRows(episodeCols).AddRow("ep-1", "audio/wav", "one.wav", "wav", 100, "h1", 10000, now))
	e.mock.ExpectQuery(`SELECT \* FROM transcription_runs WHERE episode_id = \$1`).WithArgs("ep-1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(7, "ep-1", "whisper", now))
	e.mock.ExpectQuery(`SELECT \* FROM episode_segments`).WithArgs("ep-1").
		WillReturnRows(sqlmock.NewRows(segmentCols).AddRow(1, "ep-1", 7, 0, 0, 1500, "hi", now))

	rr := e.do(httptest.NewRequest(http.MethodGet, "/episodes/ep-1", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp episodeDetailResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ep-1", resp.ID)
	assert.Equal(t, []runResponse{{ID: 7, ModelName: "whisper", CreatedAt: resp.Runs[0].CreatedAt}}, resp.Runs)
	assert.Equal(t, []segmentResponse{{RunID: 7, SegNo: 0, Start: 0, End: 1.5, Text: "hi"}}, resp.Segments)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestGetEpisodeNotFound(t *testing.T) {
	e := newEnv(t)
	e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(episodeCols))

	rr := e.do(httptest.NewRequest(http.MethodGet, "/episodes/nope", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestMalformedEpisodeIDIsNotFound(t *testing.T) {
	e := newEnv(t)
	malformed := &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}
	e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("abc").WillReturnError(malformed)
	e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("abc").WillReturnError(malformed)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/episodes/abc", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/episodes/abc/transcriptions", strings.NewReader(`{"model_name":"whisper"}`))
	req.Header.Set("Content-Type", "application/json")
	rr = e.do(req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, e.enqueuer.EnqueuedTasks)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDeleteEpisode(t *testing.T) {
	e := newEnv(t)

	rr := e.do(httptest.NewRequest(http.MethodDelete, "/episodes/ep-1", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"ep-1"}, e.ingester.deleted)

	e.ingester.err = apperr.ErrNotFound
	rr = e.do(httptest.NewRequest(http.MethodDelete, "/episodes/ep-1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPostTranscription(t *testing.T) {
	e := newEnv(t)
	now := time.Now()

	// 1. Define mock expectations
	e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("ep-1").
		WillReturnRows(sqlmock.NewRows(episodeCols).AddRow("ep-1", "audio/wav", "one.wav", "wav", 100, "h1", nil, now))
	e.mock.ExpectQuery(`SELECT \* FROM transcription_runs WHERE episode_id = \$1 AND model_name = \$2`).
		WithArgs("ep-1", "whisper").WillReturnRows(sqlmock.NewRows(runCols))

	// 2. Call the handler
	req := httptest.NewRequest(http.MethodPost, "/episodes/ep-1/transcriptions", strings.NewReader(`{"model_name":"whisper"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := e.do(req)

	// 3. Assertions
	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, e.enqueuer.EnqueuedTasks, 1)
	task := e.enqueuer.EnqueuedTasks[0]
	assert.Equal(t, tasks.TypeTranscribe, task.Type())
	var payload tasks.TranscribeTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, tasks.TranscribeTaskPayload{EpisodeID: "ep-1", ModelName: "whisper"}, payload)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestPostTranscriptionRejections(t *testing.T) {
	now := time.Now()

	t.Run("embedding model", func(t *testing.T) {
		e := newEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/episodes/ep-1/transcriptions?model_name=e5", nil)
		rr := e.do(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, e.enqueuer.EnqueuedTasks)
	})

	t.Run("existing run", func(t *testing.T) {
		e := newEnv(t)
		e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("ep-1").
			WillReturnRows(sqlmock.NewRows(episodeCols).AddRow("ep-1", "audio/wav", "one.wav", "wav", 100, "h1", nil, now))
		e.mock.ExpectQuery(`SELECT \* FROM transcription_runs`).WithArgs("ep-1", "whisper").
			WillReturnRows(sqlmock.NewRows(runCols).AddRow(7, "ep-1", "whisper", now))

		req := httptest.NewRequest(http.MethodPost, "/episodes/ep-1/transcriptions?model_name=whisper", nil)
		rr := e.do(req)
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Empty(t, e.enqueuer.EnqueuedTasks)
		assert.NoError(t, e.mock.ExpectationsWereMet())
	})

	t.Run("missing episode", func(t *testing.T) {
		e := newEnv(t)
		e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("ep-9").
			WillReturnRows(sqlmock.NewRows(episodeCols))

		req := httptest.NewRequest(http.MethodPost, "/episodes/ep-9/transcriptions?model_name=whisper", nil)
		rr := e.do(req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestSearch(t *testing.T) {
	e := newEnv(t)
	e.searcher.results = []search.Result{{
		Key:     "ep-1-0002",
		Score:   0.9,
		Model:   "e5",
		Payload: vectorindex.Payload{EpisodeID: "ep-1", RunID: 7, SegNo: 2, ModelName: "whisper", Text: "hello", Start: 1500, End: 2750},
	}}

	rr := e.do(httptest.NewRequest(http.MethodGet, "/search?q=hello+world&limit=500", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello world", e.searcher.query)
	assert.Equal(t, search.MaxLimit, e.searcher.limit)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ep-1-0002", resp.Results[0].Key)
	assert.Equal(t, 1.5, resp.Results[0].Start)
	assert.Equal(t, 2.75, resp.Results[0].End)

	rr = e.do(httptest.NewRequest(http.MethodGet, "/search?q=", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(httptest.NewRequest(http.MethodGet, "/search?q=x&limit=ten", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServeMedia(t *testing.T) {
	e := newEnv(t)
	_, err := e.media.Save("ep-1", "mp3", strings.NewReader("ID3 bytes"))
	require.NoError(t, err)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/media/ep-1.mp3", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ID3 bytes", rr.Body.String())

	rr = e.do(httptest.NewRequest(http.MethodGet, "/media/ep-2.mp3", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, err = os.Stat(filepath.Join(e.media.Dir(), "ep-1.mp3"))
	assert.NoError(t, err)
}

func TestListModels(t *testing.T) {
	e := newEnv(t)

	rr := e.do(httptest.NewRequest(http.MethodGet, "/models", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp modelsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "whisper", resp.Default)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "e5", resp.Models[0].Name)
	assert.Equal(t, "embedding", resp.Models[0].Kind)
	assert.Equal(t, "whisper", resp.Models[1].Name)
	assert.False(t, resp.Models[1].Loaded)
}

func TestGetRSSFeed(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	e.mock.ExpectQuery(`SELECT \* FROM episodes`).WithArgs(feedEpisodes, 0).
		WillReturnRows(sqlmock.NewRows(episodeCols).
			AddRow("ep-1", "audio/mpeg", "one.mp3", "mp3", 100, "h1", 61000, now).
			AddRow("ep-2", "audio/wav", "two.wav", "wav", 200, "h2", nil, now))
	e.mock.ExpectQuery(`ROW_NUMBER\(\)`).WithArgs(sqlmock.AnyArg(), 3).
		WillReturnRows(sqlmock.NewRows(segmentCols).AddRow(1, "ep-1", 7, 0, 0, 3200, "hello there", now))

	rr := e.do(httptest.NewRequest(http.MethodGet, "/feed.xml", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/rss+xml", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, `url="http://pod.test/media/ep-1.mp3"`)
	assert.Contains(t, body, "hello there")
	assert.NotContains(t, body, `url="http://pod.test/media/ep-2.wav"`)
	assert.Contains(t, body, "http://pod.test/media/ep-2.wav")
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestHandleCommand(t *testing.T) {
	e := newEnv(t)
	now := time.Now()
	e.searcher.results = []search.Result{{
		Key:     "ep-1-0000",
		Payload: vectorindex.Payload{EpisodeID: "ep-1", Text: "a <b>bold</b> claim", Start: 3_723_000},
	}}
	e.mock.ExpectQuery(`SELECT \* FROM episodes WHERE id = \$1`).WithArgs("ep-1").
		WillReturnRows(sqlmock.NewRows(episodeCols).AddRow("ep-1", "audio/wav", "Q&A.wav", "wav", 100, "h1", nil, now))

	reply := e.handlers.handleCommand(context.Background(), "search", "bold")
	assert.Equal(t, "1. <b>Q&amp;A.wav</b> at 1:02:03\na &lt;b&gt;bold&lt;/b&gt; claim", reply)
	assert.Equal(t, 5, e.searcher.limit)

	assert.Contains(t, e.handlers.handleCommand(context.Background(), "search", " "), "Usage")
	assert.Equal(t, "I don't know that command", e.handlers.handleCommand(context.Background(), "list", ""))

	e.mock.ExpectQuery(`SELECT \* FROM episodes`).WithArgs(botEpisodeCount, 0).
		WillReturnRows(sqlmock.NewRows(episodeCols).AddRow("ep-1", "audio/wav", "one.wav", "wav", 100, "h1", 65000, now))
	reply = e.handlers.handleCommand(context.Background(), "episodes", "")
	assert.Equal(t, "<b>one.wav</b> (1:05): http://pod.test/media/ep-1.wav", reply)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}
