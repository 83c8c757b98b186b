package vectorindex

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Open returns the index for backend: "qdrant", "pgvector" or "memory".
// db is only used by pgvector.
func Open(backend string, qcfg QdrantConfig, db *sqlx.DB, logger *slog.Logger) (Index, error) {
	switch backend {
	case "qdrant", "":
		return NewQdrant(qcfg, logger)
	case "pgvector":
		if db == nil {
			return nil, fmt.Errorf("pgvector backend needs a database")
		}
		return NewPgvector(db), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", backend)
	}
}
