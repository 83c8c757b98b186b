// Package apperr defines the error classes shared by ingestion, search and the
// model pool, and how they surface to HTTP clients.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnsupportedMedia is returned before any resource is created when the
	// upload is not one of the supported audio types.
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// ErrInvalidModel is returned when a caller selects a model that is not a
	// transcription model in the catalog.
	ErrInvalidModel = errors.New("invalid model")

	// ErrUnknownModel is returned by the model pool for names missing from the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrDuplicateTranscription is returned when the episode already has a run for the model.
	ErrDuplicateTranscription = errors.New("transcription already exists for this model")

	// ErrInference wraps failures raised by a model backend.
	ErrInference = errors.New("inference failed")

	// ErrStorage wraps I/O failures of the content store or the relational store.
	ErrStorage = errors.New("storage failure")

	// ErrIndex wraps failures of the vector index.
	ErrIndex = errors.New("vector index failure")

	// ErrNotFound indicates the requested episode or run does not exist.
	ErrNotFound = errors.New("not found")
)

// InferenceError carries the model name and the backend's error.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference on %q failed: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInference) hold for every InferenceError.
func (e *InferenceError) Is(target error) bool { return target == ErrInference }

// Storage wraps err as a storage failure.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Index wraps err as a vector index failure.
func Index(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIndex, err)
}

// IsValidation reports whether err was raised before any durable write.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnsupportedMedia) ||
		errors.Is(err, ErrInvalidModel) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrDuplicateTranscription)
}

// HTTPStatus maps an error class to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateTranscription):
		return http.StatusConflict
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrInference):
		return http.StatusBadGateway
	case errors.Is(err, ErrIndex):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
