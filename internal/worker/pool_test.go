package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devflowinc/trieve-sub003/internal/queue"
	"github.com/devflowinc/trieve-sub003/internal/retry"
	"github.com/devflowinc/trieve-sub003/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu     sync.Mutex
	failed map[string]int
}

func (f *fakeLedger) MarkFailed(_ context.Context, id string, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id]++
	return f.failed[id] == 1, nil
}

func (f *fakeLedger) failures(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[id]
}

type fixture struct {
	pool   *Pool
	queue  *queue.Queue
	policy *retry.Policy
	ledger *fakeLedger
	names  queue.Names
	cfg    Config
}

func setupTest(t *testing.T) *fixture {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q, err := queue.New(queue.Options{Addrs: []string{mr.Addr()}})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := &fakeLedger{failed: map[string]int{}}
	names := queue.NamesFor("test", task.KindPageRange)

	return &fixture{
		pool:   NewPool(logger),
		queue:  q,
		policy: retry.NewPolicy(q, ledger, logger),
		ledger: ledger,
		names:  names,
		cfg:    Config{Names: names, PollTimeout: time.Second},
	}
}

// stats is polled from require.Eventually, so it must not fail the test itself.
func (f *fixture) stats(t *testing.T) queue.Stats {
	t.Helper()
	s, err := f.queue.Stats(context.Background(), f.names)
	if err != nil {
		t.Logf("queue stats: %v", err)
	}
	return s
}

func TestPool_ProcessSuccess(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	var handled atomic.Int32
	Register(f.pool, 1, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error {
			handled.Add(1)
			return nil
		})

	require.NoError(t, f.queue.Enqueue(ctx, f.names.Pending, &task.PageRange{ID: "job-1", StorageKey: "k", Start: 1, End: 10}))

	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return f.stats(t) == queue.Stats{} }, 3*time.Second, 20*time.Millisecond)

	cancel()
	f.pool.Stop()
}

func TestPool_DeadLettersAfterThreeAttempts(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	Register(f.pool, 1, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error {
			calls.Add(1)
			return errors.New("transcriber timeout")
		})

	require.NoError(t, f.queue.Enqueue(ctx, f.names.Pending, &task.PageRange{ID: "job-1", StorageKey: "k", Start: 11, End: 20}))

	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return f.stats(t).Dead == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	f.pool.Stop()

	assert.Equal(t, int32(task.MaxAttempts), calls.Load())
	assert.Equal(t, 1, f.ledger.failures("job-1"))
	assert.Equal(t, queue.Stats{Dead: 1}, f.stats(t))

	dead, err := f.queue.Peek(context.Background(), f.names.Dead, 1)
	require.NoError(t, err)
	var env task.PageRange
	require.NoError(t, json.Unmarshal(dead[0], &env))
	assert.Equal(t, uint(3), env.Attempts())
}

func TestPool_RecoversHandlerPanic(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	Register(f.pool, 1, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		})

	require.NoError(t, f.queue.Enqueue(ctx, f.names.Pending, &task.PageRange{ID: "job-1", StorageKey: "k", Start: 1, End: 1}))
	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return f.stats(t) == queue.Stats{} }, 3*time.Second, 20*time.Millisecond)

	cancel()
	f.pool.Stop()
	assert.Zero(t, f.ledger.failures("job-1"))
}

func TestPool_MalformedTaskGoesToDead(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	Register(f.pool, 1, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error {
			calls.Add(1)
			return nil
		})

	require.NoError(t, f.queue.DeadLetterRaw(ctx, f.names.Pending, []byte(`{"id":"job-1","start":0}`)))
	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return f.stats(t).Dead == 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	f.pool.Stop()

	assert.Zero(t, calls.Load())
	assert.Equal(t, queue.Stats{Dead: 1}, f.stats(t))
	assert.Equal(t, 1, f.ledger.failures("job-1"))
}

func TestPool_InvalidTaskFailsJobOnce(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	Register(f.pool, 1, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error {
			calls.Add(1)
			return nil
		})

	raw := []byte(`{"id":"job-1","storage_key":"k","start":0,"end":0,"attempt":0}`)
	require.NoError(t, f.queue.DeadLetterRaw(ctx, f.names.Pending, raw))
	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return f.stats(t).Dead == 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	f.pool.Stop()

	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, f.ledger.failures("job-1"))
	assert.Equal(t, queue.Stats{Dead: 1}, f.stats(t))
}

func TestPool_UndecodableTaskGoesToDead(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	Register(f.pool, 1, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error { return nil })

	require.NoError(t, f.queue.DeadLetterRaw(ctx, f.names.Pending, []byte(`not json`)))
	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return f.stats(t).Dead == 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	f.pool.Stop()

	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	assert.Empty(t, f.ledger.failed)
}

func TestPool_TaskTimeout(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	cfg := f.cfg
	cfg.TaskTimeout = 50 * time.Millisecond

	var sawDeadline atomic.Bool
	Register(f.pool, 1, cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error {
			<-ctx.Done()
			sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
			return ctx.Err()
		})

	require.NoError(t, f.queue.Enqueue(ctx, f.names.Pending, &task.PageRange{ID: "job-1", StorageKey: "k", Start: 1, End: 1}))
	f.pool.Start(ctx)

	require.Eventually(t, func() bool { return f.stats(t).Dead == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	f.pool.Stop()

	assert.True(t, sawDeadline.Load())
}

func TestLoop_StopsWhenCancelled(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewLoop(0, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error { return nil },
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, f.queue.Enqueue(context.Background(), f.names.Pending, &task.PageRange{ID: "job-1", StorageKey: "k", Start: 1, End: 1}))

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, StateIdle, loop.State())
	assert.Equal(t, queue.Stats{Pending: 1}, f.stats(t), "a cancelled loop must not take new work")
}

func TestLoop_ShutdownWaitsForPoll(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	loop := NewLoop(0, f.cfg, f.queue, f.policy, task.DecodePageRange,
		func(ctx context.Context, env *task.PageRange) error { return nil },
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return loop.State() == StatePolling }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop within the poll timeout")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "executing", StateExecuting.String())
	assert.Equal(t, "failed", StateFailed.String())
}
