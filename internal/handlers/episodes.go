package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"podsearch/internal/apperr"
	"podsearch/internal/modelpool"
	"podsearch/internal/models"
	"podsearch/pkg/tasks"
)

const (
	maxUploadMemory = 32 << 20
	defaultPerPage  = 20
	maxPerPage      = 100
	previewSegments = 3
)

type segmentResponse struct {
	RunID int64   `json:"run_id"`
	SegNo int     `json:"seg_no"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type runResponse struct {
	ID        int64     `json:"id"`
	ModelName string    `json:"model_name"`
	CreatedAt time.Time `json:"created_at"`
}

type episodeResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	MediaType string            `json:"media_type"`
	Ext       string            `json:"ext"`
	Bytes     int64             `json:"bytes"`
	Length    *float64          `json:"length"`
	CreatedAt time.Time         `json:"created_at"`
	MediaURL  string            `json:"media_url"`
	Preview   []segmentResponse `json:"preview,omitempty"`
}

type episodeDetailResponse struct {
	episodeResponse
	Runs     []runResponse     `json:"runs"`
	Segments []segmentResponse `json:"segments"`
}

type episodeListResponse struct {
	Episodes []episodeResponse `json:"episodes"`
	Page     int               `json:"page"`
	PerPage  int               `json:"per_page"`
	Total    int               `json:"total"`
}

func toSegments(segs []models.Segment) []segmentResponse {
	out := make([]segmentResponse, 0, len(segs))
	for _, s := range segs {
		out = append(out, segmentResponse{RunID: s.RunID, SegNo: s.SegNo, Start: seconds(s.StartMs), End: seconds(s.EndMs), Text: s.Text})
	}
	return out
}

func (h *Handlers) mediaURL(e models.Episode) string {
	return fmt.Sprintf("%s/media/%s", h.baseURL, e.Filename())
}

func (h *Handlers) toEpisode(e models.Episode) episodeResponse {
	resp := episodeResponse{
		ID:        e.ID,
		Name:      e.Name,
		MediaType: e.MediaType,
		Ext:       e.Ext,
		Bytes:     e.Bytes,
		CreatedAt: e.CreatedAt,
		MediaURL:  h.mediaURL(e),
	}
	if e.LengthMs != nil {
		length := seconds(*e.LengthMs)
		resp.Length = &length
	}
	return resp
}

func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart form with a file field is required"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file is required"})
		return
	}
	defer file.Close()

	id, err := h.ingester.Upload(r.Context(), file, header.Filename, r.FormValue("model_name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"episode_id": id})
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (h *Handlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	page := intParam(r, "page", 1)
	perPage := min(intParam(r, "per_page", defaultPerPage), maxPerPage)
	ctx := r.Context()

	episodes, err := h.store.ListEpisodes(ctx, perPage, (page-1)*perPage)
	if err != nil {
		h.writeError(w, r, apperr.Storage("list episodes", err))
		return
	}
	total, err := h.store.CountEpisodes(ctx)
	if err != nil {
		h.writeError(w, r, apperr.Storage("count episodes", err))
		return
	}

	ids := make([]string, 0, len(episodes))
	for _, e := range episodes {
		ids = append(ids, e.ID)
	}
	previews, err := h.store.PreviewSegments(ctx, ids, previewSegments)
	if err != nil {
		h.writeError(w, r, apperr.Storage("preview segments", err))
		return
	}

	resp := episodeListResponse{Episodes: make([]episodeResponse, 0, len(episodes)), Page: page, PerPage: perPage, Total: total}
	for _, e := range episodes {
		item := h.toEpisode(e)
		item.Preview = toSegments(previews[e.ID])
		resp.Episodes = append(resp.Episodes, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	episode, err := h.store.GetEpisode(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	runs, err := h.store.ListRuns(ctx, id)
	if err != nil {
		h.writeError(w, r, apperr.Storage("list runs", err))
		return
	}
	segments, err := h.store.ListSegments(ctx, id)
	if err != nil {
		h.writeError(w, r, apperr.Storage("list segments", err))
		return
	}

	resp := episodeDetailResponse{
		episodeResponse: h.toEpisode(episode),
		Runs:            make([]runResponse, 0, len(runs)),
		Segments:        toSegments(segments),
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runResponse{ID: run.ID, ModelName: run.ModelName, CreatedAt: run.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) DeleteEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.ingester.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Episode deleted", "episode_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type transcriptionRequest struct {
	ModelName string `json:"model_name"`
}

// PostTranscription validates a re-transcription request and queues it.
func (h *Handlers) PostTranscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	var req transcriptionRequest
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
	} else {
		req.ModelName = r.FormValue("model_name")
	}
	req.ModelName = strings.TrimSpace(req.ModelName)

	spec, ok := h.models.Catalog().Lookup(req.ModelName)
	if !ok || spec.Kind != modelpool.KindTranscription {
		h.writeError(w, r, fmt.Errorf("%w: %q", apperr.ErrInvalidModel, req.ModelName))
		return
	}
	if _, err := h.store.GetEpisode(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	_, err := h.store.GetRun(ctx, id, req.ModelName)
	switch {
	case err == nil:
		h.writeError(w, r, fmt.Errorf("%s on %s: %w", req.ModelName, id, apperr.ErrDuplicateTranscription))
		return
	case !errors.Is(err, apperr.ErrNotFound):
		h.writeError(w, r, apperr.Storage("lookup run", err))
		return
	}

	task, err := tasks.NewTranscribeTask(id, req.ModelName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := tasks.Enqueue(h.asynqClient, task)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("enqueue transcription: %w", err))
		return
	}
	h.logger.Info("Transcription queued", "episode_id", id, "model", req.ModelName, "task_id", info.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID, "episode_id": id, "model_name": req.ModelName})
}

func (h *Handlers) ServeMedia(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, err := h.media.Open(vars["id"], vars["ext"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeError(w, r, apperr.Storage("stat media", err))
		return
	}
	if ct := mime.TypeByExtension("." + vars["ext"]); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
