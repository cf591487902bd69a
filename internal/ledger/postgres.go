package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// Postgres is the ledger backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects, pings and applies pending migrations.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "docq"

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, goose.DialectPostgres, "postgres", logger)
	db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to postgres ledger")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = task.StatusCreated
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	_, err := p.pool.Exec(ctx,
		`INSERT INTO jobs (id, file_name, total_pages, pages_processed, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.FileName, job.TotalPages, job.PagesProcessed, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	var status string
	err := p.pool.QueryRow(ctx,
		`SELECT id, file_name, total_pages, pages_processed, status, COALESCE(failure_reason, ''), created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.FileName, &job.TotalPages, &job.PagesProcessed, &status, &job.FailureReason, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.Status = task.Status(status)
	return &job, nil
}

func (p *Postgres) SetTotalPages(ctx context.Context, id string, total int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET
		   total_pages = $2,
		   status = CASE
		     WHEN status = 'failed' THEN status
		     WHEN $2 > 0 AND pages_processed >= $2 THEN 'completed'
		     WHEN status IN ('created', 'processing_file') THEN 'processing_file'
		     ELSE status
		   END,
		   updated_at = now()
		 WHERE id = $1`,
		id, total,
	)
	if err != nil {
		return fmt.Errorf("set total pages: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RangeCompleted(ctx context.Context, id string, r task.Range) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_ranges WHERE job_id = $1 AND start_page = $2 AND end_page = $3)`,
		id, r.Start, r.End,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check range: %w", err)
	}
	return exists, nil
}

func (p *Postgres) CompleteRange(ctx context.Context, id string, r task.Range, chunks []Chunk) (Progress, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Progress{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO job_ranges (job_id, start_page, end_page) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		id, r.Start, r.End,
	)
	if err != nil {
		return Progress{}, fmt.Errorf("claim range: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var processed, total int
		var status string
		err := tx.QueryRow(ctx,
			`SELECT pages_processed, total_pages, status FROM jobs WHERE id = $1`, id,
		).Scan(&processed, &total, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Progress{}, ErrNotFound
			}
			return Progress{}, fmt.Errorf("read progress: %w", err)
		}
		return Progress{
			PagesProcessed: processed,
			TotalPages:     total,
			Status:         task.Status(status),
			Duplicate:      true,
		}, nil
	}

	if len(chunks) > 0 {
		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(
				`INSERT INTO chunks (id, job_id, page_number, seq, content, metadata, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.ID, id, c.PageNumber, c.Seq, c.Content, metadataOrEmpty(c.Metadata), chunkTime(c),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Progress{}, fmt.Errorf("insert chunks: %w", err)
		}
	}

	var processed, total int
	var status string
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET
		   pages_processed = pages_processed + $2,
		   status = CASE
		     WHEN status = 'failed' THEN status
		     WHEN total_pages > 0 AND pages_processed + $2 >= total_pages THEN 'completed'
		     ELSE 'chunking_file'
		   END,
		   updated_at = now()
		 WHERE id = $1
		 RETURNING pages_processed, total_pages, status`,
		id, r.Pages(),
	).Scan(&processed, &total, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, fmt.Errorf("advance progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Progress{}, fmt.Errorf("commit range: %w", err)
	}

	return progressFrom(processed, total, task.Status(status), r.Pages()), nil
}

func (p *Postgres) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', failure_reason = $2, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('failed', 'completed')`,
		id, reason,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ListChunks(ctx context.Context, id string) ([]Chunk, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, job_id, page_number, seq, content, metadata, created_at
		 FROM chunks WHERE job_id = $1 ORDER BY page_number, seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.JobID, &c.PageNumber, &c.Seq, &c.Content, &c.Metadata, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func chunkTime(c Chunk) time.Time {
	if c.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return c.CreatedAt
}
