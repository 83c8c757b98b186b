// Package handlers serves the HTTP API and the Telegram bot.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"podsearch/internal/apperr"
	"podsearch/internal/modelpool"
	"podsearch/internal/models"
	"podsearch/internal/search"
	"podsearch/pkg/tasks"
)

// Store is the read side of the relational store.
type Store interface {
	ListEpisodes(ctx context.Context, limit, offset int) ([]models.Episode, error)
	CountEpisodes(ctx context.Context) (int, error)
	GetEpisode(ctx context.Context, id string) (models.Episode, error)
	GetRun(ctx context.Context, episodeID, modelName string) (models.TranscriptionRun, error)
	ListRuns(ctx context.Context, episodeID string) ([]models.TranscriptionRun, error)
	ListSegments(ctx context.Context, episodeID string) ([]models.Segment, error)
	PreviewSegments(ctx context.Context, episodeIDs []string, n int) (map[string][]models.Segment, error)
}

// Ingester accepts uploads and removes episodes.
type Ingester interface {
	Upload(ctx context.Context, r io.Reader, filename, modelName string) (string, error)
	Delete(ctx context.Context, episodeID string) error
	DefaultModel() string
}

// Searcher answers hybrid queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// Models reports the model catalog and the state of loaded models.
type Models interface {
	Catalog() *modelpool.Catalog
	Stats() []modelpool.State
}

// MediaStore serves stored uploads.
type MediaStore interface {
	Open(id, ext string) (*os.File, error)
}

type Handlers struct {
	store       Store
	ingester    Ingester
	searcher    Searcher
	models      Models
	media       MediaStore
	asynqClient tasks.TaskEnqueuer
	baseURL     string
	logger      *slog.Logger
}

func New(store Store, ingester Ingester, searcher Searcher, registry Models, media MediaStore, asynqClient tasks.TaskEnqueuer, baseURL string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:       store,
		ingester:    ingester,
		searcher:    searcher,
		models:      registry,
		media:       media,
		asynqClient: asynqClient,
		baseURL:     baseURL,
		logger:      logger.With("component", "http"),
	}
}

// Routes registers the API on r. limit wraps upload and search; admin wraps
// destructive routes.
func (h *Handlers) Routes(r *mux.Router, limit, admin mux.MiddlewareFunc) {
	r.Handle("/upload", limit(http.HandlerFunc(h.Upload))).Methods(http.MethodPost)
	r.Handle("/search", limit(http.HandlerFunc(h.Search))).Methods(http.MethodGet)
	r.HandleFunc("/episodes", h.ListEpisodes).Methods(http.MethodGet)
	r.HandleFunc("/episodes/{id}", h.GetEpisode).Methods(http.MethodGet)
	r.Handle("/episodes/{id}", admin(http.HandlerFunc(h.DeleteEpisode))).Methods(http.MethodDelete)
	r.Handle("/episodes/{id}/transcriptions", admin(http.HandlerFunc(h.PostTranscription))).Methods(http.MethodPost)
	r.HandleFunc("/media/{id:[^/.]+}.{ext:[a-z0-9]+}", h.ServeMedia).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/models", h.ListModels).Methods(http.MethodGet)
	r.HandleFunc("/feed.xml", h.GetRSSFeed).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error class to a status. Server-side failures are
// logged and hidden from the client.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
		msg = http.StatusText(status)
		if errors.Is(err, apperr.ErrInference) {
			msg = "inference backend failed"
		}
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// seconds converts stored milliseconds for API output.
func seconds(ms int64) float64 {
	return float64(ms) / 1000
}
