package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

// Names holds the three lists that make up one task kind's queue.
type Names struct {
	Pending    string
	Processing string
	Dead       string
}

// NamesFor derives the list names for kind. The braces form a Redis Cluster hash
// tag so that BLMOVE between the lists of one kind stays within a slot.
func NamesFor(prefix string, kind task.Kind) Names {
	base := fmt.Sprintf("{%s:%s}", prefix, kind)
	return Names{
		Pending:    base + ":pending",
		Processing: base + ":processing",
		Dead:       base + ":dead",
	}
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

type Options struct {
	Addrs    []string
	Password string
	DB       int
}

type Queue struct {
	client redis.UniversalClient
}

func New(opts Options) (*Queue, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DB:           opts.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends the serialized envelope to the tail of list.
func (q *Queue) Enqueue(ctx context.Context, list string, env task.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := q.client.RPush(ctx, list, data).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Take atomically moves the head of pending to the tail of processing and returns
// the moved bytes. It returns nil, nil when nothing arrived within timeout.
// Redis blocks in whole seconds, so timeouts below one second wait one second.
func (q *Queue) Take(ctx context.Context, pending, processing string, timeout time.Duration) ([]byte, error) {
	data, err := q.client.BLMove(ctx, pending, processing, "LEFT", "RIGHT", timeout).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("take task: %w", err)
	}
	return data, nil
}

// Acknowledge removes one occurrence of raw from processing. Entries are matched
// by their serialized bytes, so two byte-identical envelopes cannot be told apart.
func (q *Queue) Acknowledge(ctx context.Context, processing string, raw []byte) error {
	removed, err := q.client.LRem(ctx, processing, 1, raw).Result()
	if err != nil {
		return fmt.Errorf("acknowledge task: %w", err)
	}
	if removed == 0 {
		return ErrNotInProcessing
	}
	return nil
}

// DeadLetter appends the envelope to the dead list.
func (q *Queue) DeadLetter(ctx context.Context, dead string, env task.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return q.DeadLetterRaw(ctx, dead, data)
}

// DeadLetterRaw appends bytes that could not be decoded into an envelope.
func (q *Queue) DeadLetterRaw(ctx context.Context, dead string, raw []byte) error {
	if err := q.client.RPush(ctx, dead, raw).Err(); err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context, list string) (int64, error) {
	n, err := q.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("list length: %w", err)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context, names Names) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, names.Pending)
	processing := pipe.LLen(ctx, names.Processing)
	dead := pipe.LLen(ctx, names.Dead)

	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// Peek returns up to limit entries from the head of list without removing them.
func (q *Queue) Peek(ctx context.Context, list string, limit int64) ([][]byte, error) {
	if limit <= 0 {
		return [][]byte{}, nil
	}
	vals, err := q.client.LRange(ctx, list, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek list: %w", err)
	}

	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// ReplayDead moves every dead entry back to the tail of pending, passing each
// through reset first. Entries reset rejects stay on the dead list.
func (q *Queue) ReplayDead(ctx context.Context, names Names, reset func([]byte) ([]byte, error)) (int, error) {
	n, err := q.client.LLen(ctx, names.Dead).Result()
	if err != nil {
		return 0, fmt.Errorf("dead length: %w", err)
	}

	replayed := 0
	for i := int64(0); i < n; i++ {
		raw, err := q.client.LPop(ctx, names.Dead).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return replayed, fmt.Errorf("pop dead task: %w", err)
		}

		next, err := reset(raw)
		if err != nil {
			if pushErr := q.client.RPush(ctx, names.Dead, raw).Err(); pushErr != nil {
				return replayed, fmt.Errorf("restore dead task: %w", pushErr)
			}
			continue
		}

		if err := q.client.RPush(ctx, names.Pending, next).Err(); err != nil {
			return replayed, fmt.Errorf("replay task: %w", err)
		}
		replayed++
	}

	return replayed, nil
}
