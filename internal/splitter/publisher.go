package splitter

import (
	"context"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

type enqueuer interface {
	Enqueue(ctx context.Context, list string, env task.Envelope) error
}

// QueuePublisher publishes page-range tasks to the tail of a pending list.
type QueuePublisher struct {
	q    enqueuer
	list string
}

func NewQueuePublisher(q enqueuer, pending string) *QueuePublisher {
	return &QueuePublisher{q: q, list: pending}
}

func (p *QueuePublisher) Publish(ctx context.Context, env *task.PageRange) error {
	return p.q.Enqueue(ctx, p.list, env)
}
