// Package ledger records one status row per logical job plus the chunks its
// page-range tasks produce. Workers only ever mutate rows through atomic,
// server-side updates so that any number of them can share one ledger.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

var ErrNotFound = errors.New("job not found")

type Job struct {
	ID             string      `json:"id"`
	FileName       string      `json:"file_name"`
	TotalPages     int         `json:"total_pages"`
	PagesProcessed int         `json:"pages_processed"`
	Status         task.Status `json:"status"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Done reports whether the job has produced output for every page, whether or
// not the completed status has been written yet.
func (j *Job) Done() bool {
	if j.Status == task.StatusCompleted {
		return true
	}
	return j.Status != task.StatusFailed && j.TotalPages > 0 && j.PagesProcessed >= j.TotalPages
}

type Chunk struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	PageNumber int            `json:"page_number"`
	Seq        int            `json:"seq"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Progress is the job counter state right after a range was recorded.
type Progress struct {
	PagesProcessed int
	TotalPages     int
	Status         task.Status
	// Duplicate is set when the range had already been recorded; nothing was written.
	Duplicate bool
	// Completed is set only for the update that moved the job to completed.
	Completed bool
}

type Ledger interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	SetTotalPages(ctx context.Context, id string, total int) error
	RangeCompleted(ctx context.Context, id string, r task.Range) (bool, error)
	CompleteRange(ctx context.Context, id string, r task.Range, chunks []Chunk) (Progress, error)
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
	ListChunks(ctx context.Context, id string) ([]Chunk, error)
	Ping(ctx context.Context) error
	Close() error
}

func progressFrom(processed, total int, status task.Status, pages int) Progress {
	return Progress{
		PagesProcessed: processed,
		TotalPages:     total,
		Status:         status,
		Completed:      status == task.StatusCompleted && processed-pages < total,
	}
}
