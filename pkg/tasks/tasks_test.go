package tasks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
}

func (r *recordingEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.task, r.opts = task, opts
	return &asynq.TaskInfo{ID: "id", Type: task.Type()}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestNewTranscribeTask(t *testing.T) {
	task, err := NewTranscribeTask("ep-1", "whisper")
	require.NoError(t, err)
	assert.Equal(t, TypeTranscribe, task.Type())

	var p TranscribeTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, TranscribeTaskPayload{EpisodeID: "ep-1", ModelName: "whisper"}, p)
}

func TestEnqueueOptions(t *testing.T) {
	rec := &recordingEnqueuer{}

	task, _ := NewTranscribeTask("ep-1", "whisper")
	_, err := Enqueue(rec, task)
	require.NoError(t, err)
	retries, ok := optionValue(rec.opts, asynq.MaxRetryOpt)
	require.True(t, ok)
	assert.Equal(t, 5, retries)
	timeout, ok := optionValue(rec.opts, asynq.TimeoutOpt)
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, timeout)

	task, _ = NewReconcileTask()
	_, err = Enqueue(rec, task)
	require.NoError(t, err)
	retries, _ = optionValue(rec.opts, asynq.MaxRetryOpt)
	assert.Equal(t, 0, retries)
	_, ok = optionValue(rec.opts, asynq.UniqueOpt)
	assert.True(t, ok)
}
