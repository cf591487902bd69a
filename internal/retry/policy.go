// Package retry decides what happens to a task whose handler failed: requeue it
// with one more attempt counted, or dead-letter it and fail its job.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devflowinc/trieve-sub003/internal/queue"
	"github.com/devflowinc/trieve-sub003/internal/task"
)

// ErrDeadLettered wraps the handler error of a task that used its last attempt.
var ErrDeadLettered = errors.New("task dead-lettered")

type Transport interface {
	Acknowledge(ctx context.Context, processing string, raw []byte) error
	Enqueue(ctx context.Context, list string, env task.Envelope) error
	DeadLetter(ctx context.Context, dead string, env task.Envelope) error
	DeadLetterRaw(ctx context.Context, dead string, raw []byte) error
}

type FailureMarker interface {
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
}

type Policy struct {
	transport Transport
	ledger    FailureMarker
	logger    *slog.Logger
}

func NewPolicy(transport Transport, ledger FailureMarker, logger *slog.Logger) *Policy {
	return &Policy{transport: transport, ledger: ledger, logger: logger}
}

// Handle settles a failed execution. raw must be the bytes exactly as taken, env
// their decoded form. Every error class gets the same MaxAttempts executions.
// A nil return means the task was requeued.
func (p *Policy) Handle(ctx context.Context, names queue.Names, raw []byte, env task.Envelope, cause error) error {
	if err := p.transport.Acknowledge(ctx, names.Processing, raw); err != nil {
		if !errors.Is(err, queue.ErrNotInProcessing) {
			return fmt.Errorf("acknowledge failed task: %w", err)
		}
		p.logger.Warn("failed task already gone from processing list",
			"job_id", env.JobID(), "kind", env.Kind())
	}

	env.Increment()
	log := p.logger.With(
		"job_id", env.JobID(),
		"kind", env.Kind(),
		"attempt", env.Attempts(),
		"error_class", task.Class(cause),
	)

	if env.HasRemainingAttempts() {
		if err := p.transport.Enqueue(ctx, names.Pending, env); err != nil {
			log.Error("requeue failed, task lost", "error", err, "cause", cause)
			return fmt.Errorf("requeue task: %w", err)
		}
		log.Warn("task failed, requeued", "error", cause)
		return nil
	}

	terminal := fmt.Errorf("%w after %d attempts: %w", ErrDeadLettered, env.Attempts(), cause)

	reason := fmt.Sprintf("%s task failed after %d attempts: %v", env.Kind(), env.Attempts(), cause)
	marked, markErr := p.ledger.MarkFailed(ctx, env.JobID(), reason)
	if markErr != nil {
		markErr = fmt.Errorf("mark job failed: %w", markErr)
	}
	deadErr := p.transport.DeadLetter(ctx, names.Dead, env)

	if err := errors.Join(markErr, deadErr); err != nil {
		return errors.Join(terminal, err)
	}

	log.Error("task dead-lettered", "error", cause, "job_marked_failed", marked)
	return terminal
}

// HandleMalformed moves bytes that failed to decode or validate straight to
// the dead list without spending the attempt budget. When the job id can still
// be read, the job is marked failed.
func (p *Policy) HandleMalformed(ctx context.Context, names queue.Names, raw []byte, cause error) error {
	if err := p.transport.Acknowledge(ctx, names.Processing, raw); err != nil && !errors.Is(err, queue.ErrNotInProcessing) {
		return fmt.Errorf("acknowledge malformed task: %w", err)
	}

	var marked bool
	var markErr error
	id := jobIDOf(raw)
	if id != "" {
		marked, markErr = p.ledger.MarkFailed(ctx, id, "invalid task: "+cause.Error())
		if markErr != nil {
			markErr = fmt.Errorf("mark job failed: %w", markErr)
		}
	}

	if err := p.transport.DeadLetterRaw(ctx, names.Dead, raw); err != nil {
		return errors.Join(err, markErr)
	}
	p.logger.Error("malformed task dead-lettered",
		"list", names.Dead, "job_id", id, "job_marked_failed", marked, "error", cause, "bytes", len(raw))
	return markErr
}

// jobIDOf reads only the id field, ignoring whatever else is wrong with raw.
func jobIDOf(raw []byte) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ID
}
