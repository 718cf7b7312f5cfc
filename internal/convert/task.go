package convert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"imgconvert/internal/models"
)

// Task is one image's unit of work. It carries everything a worker needs
// so it can travel through an external queue unchanged.
type Task struct {
	BatchID     uuid.UUID             `json:"batch_id"`
	ImageID     uuid.UUID             `json:"image_id"`
	Index       int                   `json:"index"`
	Original    models.FileDescriptor `json:"original"`
	Settings    models.Settings       `json:"settings"`
	Keywords    []string              `json:"keywords"`
	AIEnabled   bool                  `json:"ai_enabled"`
	Attempt     int                   `json:"attempt"`
	MaxAttempts int                   `json:"max_attempts"`
	Timeout     time.Duration         `json:"timeout"`
}

// Result is the terminal outcome of a task.
type Result struct {
	Task    Task
	Outcome models.Outcome
}

// Dispatcher hands tasks to whatever executes them.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []Task) error
}

// Queue is the in-process dispatcher: a buffered channel the worker pool
// reads from. External consumers feed it too.
type Queue struct {
	tasks chan Task
}

func NewQueue(size int) *Queue {
	return &Queue{tasks: make(chan Task, size)}
}

// Dispatch blocks while the buffer is full, until ctx is done.
func (q *Queue) Dispatch(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		select {
		case q.tasks <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *Queue) Tasks() <-chan Task {
	return q.tasks
}
