package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/devflowinc/trieve-sub003/internal/queue"
	"github.com/devflowinc/trieve-sub003/internal/retry"
	"github.com/devflowinc/trieve-sub003/internal/task"
)

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateExecuting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler does the work for one envelope. Any returned error goes to the retry policy.
type Handler[E task.Envelope] func(ctx context.Context, env E) error

type Decoder[E task.Envelope] func(raw []byte) (E, error)

type Source interface {
	Take(ctx context.Context, pending, processing string, timeout time.Duration) ([]byte, error)
	Acknowledge(ctx context.Context, processing string, raw []byte) error
}

type FailurePolicy interface {
	Handle(ctx context.Context, names queue.Names, raw []byte, env task.Envelope, cause error) error
	HandleMalformed(ctx context.Context, names queue.Names, raw []byte, cause error) error
}

type Config struct {
	Names       queue.Names
	PollTimeout time.Duration
	// TaskTimeout bounds one handler call. Zero means no limit.
	TaskTimeout time.Duration
}

// Loop takes tasks of one kind off the queue and runs them through a handler.
// Cancelling the context passed to Run stops the loop between tasks: a Take
// already waiting is allowed to finish, and a task it returns still runs to
// completion, so no entry is left behind in the processing list.
type Loop[E task.Envelope] struct {
	id     int
	cfg    Config
	source Source
	policy FailurePolicy
	decode Decoder[E]
	handle Handler[E]
	logger *slog.Logger
	state  atomic.Int32
}

func NewLoop[E task.Envelope](id int, cfg Config, source Source, policy FailurePolicy, decode Decoder[E], handle Handler[E], logger *slog.Logger) *Loop[E] {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Loop[E]{
		id:     id,
		cfg:    cfg,
		source: source,
		policy: policy,
		decode: decode,
		handle: handle,
		logger: logger.With("worker_id", id, "queue", cfg.Names.Pending),
	}
}

func (l *Loop[E]) State() State {
	return State(l.state.Load())
}

func (l *Loop[E]) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Loop[E]) Run(ctx context.Context) {
	l.logger.Info("worker started")
	defer l.logger.Info("worker stopped")

	// Queue and handler calls run detached from ctx; ctx only decides whether
	// another iteration starts.
	work := context.WithoutCancel(ctx)

	for {
		l.setState(StateIdle)
		if ctx.Err() != nil {
			return
		}

		l.setState(StatePolling)
		raw, err := l.source.Take(work, l.cfg.Names.Pending, l.cfg.Names.Processing, l.cfg.PollTimeout)
		if err != nil {
			l.logger.Error("take failed", "error", err)
			l.setState(StateIdle)
			l.backoff(ctx)
			continue
		}
		if raw == nil {
			continue
		}

		l.execute(work, raw)
	}
}

func (l *Loop[E]) backoff(ctx context.Context) {
	t := time.NewTimer(l.cfg.PollTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (l *Loop[E]) execute(ctx context.Context, raw []byte) {
	env, err := l.decode(raw)
	if err != nil {
		l.setState(StateFailed)
		if err := l.policy.HandleMalformed(ctx, l.cfg.Names, raw, err); err != nil {
			l.logger.Error("settle malformed task failed", "error", err)
		}
		return
	}

	log := l.logger.With("job_id", env.JobID(), "kind", env.Kind(), "attempt", env.Attempts())
	l.setState(StateExecuting)
	start := time.Now()

	err = l.invoke(ctx, env)
	if err == nil {
		l.setState(StateSucceeded)
		if err := l.source.Acknowledge(ctx, l.cfg.Names.Processing, raw); err != nil {
			log.Error("acknowledge failed", "error", err)
			return
		}
		log.Info("task succeeded", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	l.setState(StateFailed)
	if err := l.policy.Handle(ctx, l.cfg.Names, raw, env, err); err != nil {
		if !errors.Is(err, retry.ErrDeadLettered) {
			log.Error("retry policy failed", "error", err)
		}
	}
}

// invoke calls the handler, turning a panic into an error.
func (l *Loop[E]) invoke(ctx context.Context, env E) (err error) {
	if l.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return l.handle(ctx, env)
}
