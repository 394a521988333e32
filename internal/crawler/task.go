package crawler

import "context"

// TaskFunc executes one unit of work and reports its outcome.
type TaskFunc func(ctx context.Context) Result

// QueueItem wraps a task waiting for a worker. Done receives the task's result
// exactly once.
type QueueItem struct {
	Key  string
	Run  TaskFunc
	Done func(Result)
}

// Queue provides enqueue/dequeue semantics for tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
