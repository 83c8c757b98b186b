package handlers

import (
	"net/http"

	"podsearch/internal/apperr"
	"podsearch/internal/feed"
)

const feedEpisodes = 100

func (h *Handlers) GetRSSFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	episodes, err := h.store.ListEpisodes(ctx, feedEpisodes, 0)
	if err != nil {
		h.writeError(w, r, apperr.Storage("list episodes", err))
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

	rss, err := feed.GenerateRSS("podsearch", feed.BaseURL(h.baseURL, r), episodes, previews)
	if err != nil {
		h.logger.Error("Error generating RSS", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml")
	w.Write([]byte(rss))
}
