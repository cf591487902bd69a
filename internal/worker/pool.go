// Package worker runs pools of queue-polling loops.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

type Runner interface {
	Run(ctx context.Context)
}

type Pool struct {
	runners []Runner
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewPool(logger *slog.Logger) *Pool {
	return &Pool{logger: logger}
}

func (p *Pool) Add(runners ...Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runners = append(p.runners, runners...)
}

// Register adds count loops for one task kind, all sharing the same handler.
func Register[E task.Envelope](p *Pool, count int, cfg Config, source Source, policy FailurePolicy, decode Decoder[E], handle Handler[E]) []*Loop[E] {
	loops := make([]*Loop[E], 0, count)
	for i := 0; i < count; i++ {
		l := NewLoop(i, cfg, source, policy, decode, handle, p.logger)
		loops = append(loops, l)
		p.Add(l)
	}
	return loops
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.runners {
		p.wg.Add(1)
		go func(r Runner) {
			defer p.wg.Done()
			r.Run(ctx)
		}(r)
	}
	p.logger.Info("started workers", "count", len(p.runners))
}

// Stop waits for every loop to return. Cancel the context given to Start first.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info("all workers stopped")
}
