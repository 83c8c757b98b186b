package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"podsearch/internal/modelpool"
	"podsearch/internal/search"
)

type searchHit struct {
	Key       string  `json:"key"`
	Score     float32 `json:"score"`
	Model     string  `json:"model"`
	EpisodeID string  `json:"episode_id"`
	RunID     int64   `json:"run_id"`
	SegNo     int     `json:"seg_no"`
	ModelName string  `json:"model_name"`
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

type searchResponse struct {
	Query   string      `json:"query"`
	Results []searchHit `json:"results"`
}

func toHits(results []search.Result) []searchHit {
	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			Key:       res.Key,
			Score:     res.Score,
			Model:     res.Model,
			EpisodeID: res.Payload.EpisodeID,
			RunID:     res.Payload.RunID,
			SegNo:     res.Payload.SegNo,
			ModelName: res.Payload.ModelName,
			Text:      res.Payload.Text,
			Start:     seconds(res.Payload.Start),
			End:       seconds(res.Payload.End),
		})
	}
	return hits
}

func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "q is required"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be an integer"})
			return
		}
		limit = n
	}

	results, err := h.searcher.Search(r.Context(), q, search.ClampLimit(limit))
	if errors.Is(err, search.ErrEmptyQuery) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "q is required"})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Results: toHits(results)})
}

type modelResponse struct {
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Backend    string     `json:"backend,omitempty"`
	Device     string     `json:"device,omitempty"`
	Dimension  int        `json:"dimension,omitempty"`
	Collection string     `json:"collection,omitempty"`
	Loaded     bool       `json:"loaded"`
	Busy       bool       `json:"busy"`
	Refs       int        `json:"in_use"`
	Loads      int        `json:"loads"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

type modelsResponse struct {
	Default string          `json:"default,omitempty"`
	Models  []modelResponse `json:"models"`
}

// ListModels lists every catalog model with its pool state. Upload clients
// pick a transcription model from here.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	catalog := h.models.Catalog()
	states := make(map[string]modelpool.State)
	for _, st := range h.models.Stats() {
		states[st.Name] = st
	}

	resp := modelsResponse{Default: h.ingester.DefaultModel(), Models: []modelResponse{}}
	for _, name := range catalog.Names() {
		spec, _ := catalog.Lookup(name)
		state := states[name]
		m := modelResponse{
			Name:       spec.Name,
			Kind:       string(spec.Kind),
			Backend:    spec.Backend,
			Device:     spec.Device,
			Dimension:  spec.Dimension,
			Collection: spec.Collection,
			Loaded:     state.Loaded,
			Busy:       state.Busy,
			Refs:       state.Refs,
			Loads:      state.Loads,
		}
		if !state.LastUsed.IsZero() {
			last := state.LastUsed
			m.LastUsed = &last
		}
		resp.Models = append(resp.Models, m)
	}
	writeJSON(w, http.StatusOK, resp)
}
