// Package feed renders the episode library as a podcast RSS feed.
package feed

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eduncan911/podcast"

	"podsearch/internal/models"
)

const descriptionLimit = 600

// BaseURL returns configured when set, otherwise the URL the request came in on.
func BaseURL(configured string, r *http.Request) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}

	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "https"
		if r.Header.Get("X-Forwarded-Proto") != "" {
			scheme = r.Header.Get("X-Forwarded-Proto")
		}
	}

	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func enclosureType(ext string) (podcast.EnclosureType, bool) {
	switch ext {
	case "mp3":
		return podcast.MP3, true
	case "m4a":
		return podcast.M4A, true
	}
	return 0, false
}

// description joins the leading transcript segments of an episode.
func description(e models.Episode, preview []models.Segment) string {
	var parts []string
	for _, s := range preview {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	text := strings.Join(parts, " ")
	if text == "" {
		return e.Name
	}
	if len(text) > descriptionLimit {
		text = text[:descriptionLimit] + "..."
	}
	return text
}

// GenerateRSS renders episodes, newest first, with their transcript preview as
// description. Formats podcast clients cannot play get a link but no enclosure.
func GenerateRSS(title, baseURL string, episodes []models.Episode, previews map[string][]models.Segment) (string, error) {
	var updated time.Time
	if len(episodes) > 0 {
		updated = episodes[0].CreatedAt
	}

	p := podcast.New(
		title,
		baseURL+"/feed.xml",
		"Uploaded audio with searchable transcripts.",
		&updated, &updated,
	)

	for _, episode := range episodes {
		mediaURL := fmt.Sprintf("%s/media/%s", baseURL, episode.Filename())
		created := episode.CreatedAt
		item := podcast.Item{
			GUID:        episode.ID,
			Title:       episode.Name,
			Description: description(episode, previews[episode.ID]),
			Link:        mediaURL,
			PubDate:     &created,
		}
		if typ, ok := enclosureType(episode.Ext); ok {
			item.AddEnclosure(mediaURL, typ, episode.Bytes)
		}
		if episode.LengthMs != nil {
			item.AddDuration(*episode.LengthMs / 1000)
		}
		if _, err := p.AddItem(item); err != nil {
			return "", fmt.Errorf("add episode %s: %w", episode.ID, err)
		}
	}

	return p.String(), nil
}
