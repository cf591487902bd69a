package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devflowinc/trieve-sub003/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	q, err := New(Options{Addrs: []string{mr.Addr()}})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	return q, mr
}

func pageRange(id string, start, end int) *task.PageRange {
	return &task.PageRange{ID: id, StorageKey: "jobs/" + id + "/parts/0000.pdf", Start: start, End: end}
}

func TestNamesFor(t *testing.T) {
	names := NamesFor("docq", task.KindPageRange)

	assert.Equal(t, "{docq:page_range}:pending", names.Pending)
	assert.Equal(t, "{docq:page_range}:processing", names.Processing)
	assert.Equal(t, "{docq:page_range}:dead", names.Dead)
}

func TestQueue_EnqueueAndTake(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindPageRange)

	require.NoError(t, q.Enqueue(ctx, names.Pending, pageRange("job-1", 1, 10)))

	raw, err := q.Take(ctx, names.Pending, names.Processing, time.Second)
	require.NoError(t, err)
	require.NotNil(t, raw)

	p, err := task.DecodePageRange(raw)
	require.NoError(t, err)
	assert.Equal(t, "job-1", p.ID)

	stats, err := q.Stats(ctx, names)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 0, Processing: 1, Dead: 0}, stats)

	processing, err := mr.List(names.Processing)
	require.NoError(t, err)
	assert.Equal(t, []string{string(raw)}, processing)
}

func TestQueue_FIFO(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindPageRange)

	for _, r := range []task.Range{{Start: 1, End: 10}, {Start: 11, End: 20}, {Start: 21, End: 25}} {
		require.NoError(t, q.Enqueue(ctx, names.Pending, pageRange("job-1", r.Start, r.End)))
	}

	for _, want := range []int{1, 11, 21} {
		raw, err := q.Take(ctx, names.Pending, names.Processing, time.Second)
		require.NoError(t, err)
		p, err := task.DecodePageRange(raw)
		require.NoError(t, err)
		assert.Equal(t, want, p.Start)
	}
}

func TestQueue_TakeEmpty(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindDocument)

	raw, err := q.Take(ctx, names.Pending, names.Processing, 100*time.Millisecond)

	assert.NoError(t, err)
	assert.Nil(t, raw)
}

func TestQueue_AcknowledgeRemovesFromBothLists(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindPageRange)

	require.NoError(t, q.Enqueue(ctx, names.Pending, pageRange("job-1", 1, 10)))
	raw, err := q.Take(ctx, names.Pending, names.Processing, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Acknowledge(ctx, names.Processing, raw))

	stats, err := q.Stats(ctx, names)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	err = q.Acknowledge(ctx, names.Processing, raw)
	assert.True(t, errors.Is(err, ErrNotInProcessing))
}

func TestQueue_AcknowledgeRemovesSingleDuplicate(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindPageRange)

	env := pageRange("job-1", 1, 10)
	require.NoError(t, q.Enqueue(ctx, names.Pending, env))
	require.NoError(t, q.Enqueue(ctx, names.Pending, env))

	first, err := q.Take(ctx, names.Pending, names.Processing, time.Second)
	require.NoError(t, err)
	_, err = q.Take(ctx, names.Pending, names.Processing, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Acknowledge(ctx, names.Processing, first))

	n, err := q.Len(ctx, names.Processing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueue_ConcurrentTakeSingleItem(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindPageRange)

	require.NoError(t, q.Enqueue(ctx, names.Pending, pageRange("job-1", 1, 10)))

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.Take(ctx, names.Pending, names.Processing, time.Second)
		}(i)
	}
	wg.Wait()

	got := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] != nil {
			got++
		}
	}
	assert.Equal(t, 1, got)
}

func TestQueue_DeadLetterAndReplay(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()
	ctx := context.Background()
	names := NamesFor("test", task.KindPageRange)

	env := pageRange("job-1", 1, 10)
	env.Attempt.Attempt = task.MaxAttempts
	require.NoError(t, q.DeadLetter(ctx, names.Dead, env))
	require.NoError(t, q.DeadLetterRaw(ctx, names.Dead, []byte("garbage")))

	replayed, err := q.ReplayDead(ctx, names, task.ResetAttempts)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	stats, err := q.Stats(ctx, names)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Dead)

	pending, err := q.Peek(ctx, names.Pending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var p task.PageRange
	require.NoError(t, json.Unmarshal(pending[0], &p))
	assert.Equal(t, uint(0), p.Attempts())
	assert.Equal(t, "job-1", p.ID)
}
