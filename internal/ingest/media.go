package ingest

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"podsearch/internal/apperr"
)

// MediaType is a supported upload format.
type MediaType struct {
	MIME string
	Ext  string
}

var supported = map[string]MediaType{
	"audio/mpeg":     {"audio/mpeg", "mp3"},
	"audio/mp3":      {"audio/mpeg", "mp3"},
	"audio/wav":      {"audio/wav", "wav"},
	"audio/x-wav":    {"audio/wav", "wav"},
	"audio/wave":     {"audio/wav", "wav"},
	"audio/vnd.wave": {"audio/wav", "wav"},
	"audio/x-m4a":    {"audio/x-m4a", "m4a"},
	"audio/mp4":      {"audio/mp4", "m4a"},
}

var byExtension = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".wave": "audio/wav",
	".m4a":  "audio/x-m4a",
	".mp4":  "audio/mp4",
}

var defaultMedia = MediaType{MIME: "audio/mpeg", Ext: "mp3"}

// sniffLen is how many leading bytes content detection looks at.
const sniffLen = 3072

// DetectMedia classifies an upload from its leading bytes, falling back to
// the filename extension and then to mp3. Anything outside the supported set
// is apperr.ErrUnsupportedMedia.
func DetectMedia(head []byte, filename string) (MediaType, error) {
	candidate := ""
	if len(head) > 0 {
		m := mimetype.Detect(head)
		// Containers carrying audio only are still audio.
		if m.Is("video/mp4") {
			candidate = "audio/mp4"
		} else if !m.Is("application/octet-stream") && !m.Is("text/plain") {
			candidate = m.String()
		}
	}
	if candidate == "" {
		if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
			candidate = byExtension[ext]
			if candidate == "" {
				candidate = mime.TypeByExtension(ext)
			}
		}
	}
	if candidate == "" {
		return defaultMedia, nil
	}

	base, _, err := mime.ParseMediaType(candidate)
	if err != nil {
		base = candidate
	}
	mt, ok := supported[strings.ToLower(base)]
	if !ok {
		return MediaType{}, fmt.Errorf("%w: %s", apperr.ErrUnsupportedMedia, base)
	}
	return mt, nil
}
