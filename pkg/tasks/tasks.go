package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	TypeTranscribe     = "transcription:run"
	TypeCleanupEpisode = "episode:cleanup"
	TypeReconcile      = "vectors:reconcile"
)

type TranscribeTaskPayload struct {
	EpisodeID string
	ModelName string
}

func NewTranscribeTask(episodeID, modelName string) (*asynq.Task, error) {
	payload, err := json.Marshal(TranscribeTaskPayload{EpisodeID: episodeID, ModelName: modelName})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTranscribe, payload), nil
}

type CleanupEpisodeTaskPayload struct {
	EpisodeID string
	Ext       string
}

func NewCleanupEpisodeTask(episodeID, ext string) (*asynq.Task, error) {
	payload, err := json.Marshal(CleanupEpisodeTaskPayload{EpisodeID: episodeID, Ext: ext})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCleanupEpisode, payload), nil
}

func NewReconcileTask() (*asynq.Task, error) {
	return asynq.NewTask(TypeReconcile, nil), nil
}
