package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

// SQLite is a single-node ledger. All access goes through one connection, which
// serializes writers the same way row locks do in Postgres.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite", logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("opened sqlite ledger", "path", path)
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = task.StatusCreated
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, file_name, total_pages, pages_processed, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.FileName, job.TotalPages, job.PagesProcessed, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, total_pages, pages_processed, status, COALESCE(failure_reason, ''), created_at, updated_at
		 FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.FileName, &job.TotalPages, &job.PagesProcessed, &status, &job.FailureReason, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.Status = task.Status(status)
	return &job, nil
}

func (s *SQLite) SetTotalPages(ctx context.Context, id string, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   total_pages = ?,
		   status = CASE
		     WHEN status = 'failed' THEN status
		     WHEN ? > 0 AND pages_processed >= ? THEN 'completed'
		     WHEN status IN ('created', 'processing_file') THEN 'processing_file'
		     ELSE status
		   END,
		   updated_at = ?
		 WHERE id = ?`,
		total, total, total, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set total pages: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) RangeCompleted(ctx context.Context, id string, r task.Range) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_ranges WHERE job_id = ? AND start_page = ? AND end_page = ?)`,
		id, r.Start, r.End,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check range: %w", err)
	}
	return exists, nil
}

func (s *SQLite) CompleteRange(ctx context.Context, id string, r task.Range, chunks []Chunk) (Progress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Progress{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO job_ranges (job_id, start_page, end_page, completed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		id, r.Start, r.End, now,
	)
	if err != nil {
		return Progress{}, fmt.Errorf("claim range: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var processed, total int
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT pages_processed, total_pages, status FROM jobs WHERE id = ?`, id,
		).Scan(&processed, &total, &status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Progress{}, ErrNotFound
			}
			return Progress{}, fmt.Errorf("read progress: %w", err)
		}
		return Progress{PagesProcessed: processed, TotalPages: total, Status: task.Status(status), Duplicate: true}, nil
	}

	for _, c := range chunks {
		meta, err := json.Marshal(metadataOrEmpty(c.Metadata))
		if err != nil {
			return Progress{}, fmt.Errorf("marshal chunk metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, job_id, page_number, seq, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, id, c.PageNumber, c.Seq, c.Content, string(meta), chunkTime(c),
		)
		if err != nil {
			return Progress{}, fmt.Errorf("insert chunk: %w", err)
		}
	}

	var processed, total int
	var status string
	err = tx.QueryRowContext(ctx,
		`UPDATE jobs SET
		   pages_processed = pages_processed + ?,
		   status = CASE
		     WHEN status = 'failed' THEN status
		     WHEN total_pages > 0 AND pages_processed + ? >= total_pages THEN 'completed'
		     ELSE 'chunking_file'
		   END,
		   updated_at = ?
		 WHERE id = ?
		 RETURNING pages_processed, total_pages, status`,
		r.Pages(), r.Pages(), now, id,
	).Scan(&processed, &total, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Progress{}, ErrNotFound
		}
		return Progress{}, fmt.Errorf("advance progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Progress{}, fmt.Errorf("commit range: %w", err)
	}

	return progressFrom(processed, total, task.Status(status), r.Pages()), nil
}

func (s *SQLite) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('failed', 'completed')`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) ListChunks(ctx context.Context, id string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, page_number, seq, content, metadata, created_at
		 FROM chunks WHERE job_id = ? ORDER BY page_number, seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		var meta string
		if err := rows.Scan(&c.ID, &c.JobID, &c.PageNumber, &c.Seq, &c.Content, &meta, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}
