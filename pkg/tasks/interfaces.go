package tasks

import (
	"time"

	"github.com/hibiken/asynq"
)

// TaskEnqueuer queues background work. *asynq.Client satisfies it.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueue queues task on the default queue with the retry budget for its type.
func Enqueue(client TaskEnqueuer, task *asynq.Task) (*asynq.TaskInfo, error) {
	opts := []asynq.Option{asynq.MaxRetry(5)}
	switch task.Type() {
	case TypeTranscribe:
		opts = append(opts, asynq.Timeout(2*time.Hour))
	case TypeReconcile:
		opts = []asynq.Option{asynq.MaxRetry(0), asynq.Unique(30 * time.Minute)}
	}
	return client.Enqueue(task, opts...)
}
