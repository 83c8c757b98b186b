package models

import "time"

// Episode is one uploaded audio asset.
type Episode struct {
	ID        string    `db:"id" json:"id"`
	MediaType string    `db:"media_type" json:"media_type"`
	Name      string    `db:"name" json:"name"`
	Ext       string    `db:"ext" json:"ext"`
	Bytes     int64     `db:"bytes" json:"bytes"`
	Hash      string    `db:"hash" json:"-"`
	LengthMs  *int64    `db:"length_ms" json:"length_ms"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Filename is the key the episode's bytes are stored under.
func (e Episode) Filename() string {
	return e.ID + "." + e.Ext
}
