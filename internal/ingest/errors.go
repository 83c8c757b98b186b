package ingest

import "errors"

var (
	ErrRepositoryRequired = errors.New("repository is required")
	ErrMediaStoreRequired = errors.New("media store is required")
	ErrIndexRequired      = errors.New("vector index is required")
	ErrPoolRequired       = errors.New("model pool is required")
	ErrNoEmbedders        = errors.New("catalog declares no embedding models")
)
