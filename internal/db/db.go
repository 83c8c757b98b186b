package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // The database driver

	"podsearch/internal/apperr"
)

// Store is the relational store of episodes, transcription runs and segments.
type Store struct {
	DB *sqlx.DB
}

// New wraps an open connection.
func New(db *sqlx.DB) *Store {
	return &Store{DB: db}
}

// Connect opens and pings the database.
func Connect(ctx context.Context, dbURL string) (*Store, error) {
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection established")
	return New(db), nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, uniqueViolation)
}

// isMalformedID reports whether Postgres rejected an id that is not a uuid.
func isMalformedID(err error) bool {
	return hasCode(err, invalidTextRepresentation)
}

// notFound turns sql.ErrNoRows and ids that cannot name a row into
// apperr.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return err
}
