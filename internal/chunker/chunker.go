// Package chunker handles page-range tasks: it transcribes every page of a stored
// sub-document and records the resulting chunks against the job's progress.
package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devflowinc/trieve-sub003/internal/blob"
	"github.com/devflowinc/trieve-sub003/internal/ledger"
	"github.com/devflowinc/trieve-sub003/internal/task"
	"github.com/devflowinc/trieve-sub003/internal/transcribe"
)

type Renderer interface {
	Render(ctx context.Context, data []byte) ([][]byte, error)
}

type Ledger interface {
	RangeCompleted(ctx context.Context, id string, r task.Range) (bool, error)
	CompleteRange(ctx context.Context, id string, r task.Range, chunks []ledger.Chunk) (ledger.Progress, error)
}

type Chunker struct {
	blobs       blob.Store
	renderer    Renderer
	transcriber transcribe.Transcriber
	ledger      Ledger
	logger      *slog.Logger
}

func New(blobs blob.Store, renderer Renderer, transcriber transcribe.Transcriber, l Ledger, logger *slog.Logger) *Chunker {
	return &Chunker{
		blobs:       blobs,
		renderer:    renderer,
		transcriber: transcriber,
		ledger:      l,
		logger:      logger,
	}
}

// Handle transcribes one page range. A range that was already recorded, from a
// redelivery or a re-split document, is skipped without calling the model.
func (c *Chunker) Handle(ctx context.Context, env *task.PageRange) error {
	start := time.Now()
	r := env.Range()
	log := c.logger.With("job_id", env.ID, "range", r.String(), "range_index", env.Index)

	done, err := c.ledger.RangeCompleted(ctx, env.ID, r)
	if err != nil {
		return err
	}
	if done {
		log.Info("range already recorded, skipping")
		return nil
	}

	data, err := c.blobs.Get(ctx, env.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch part %s: %w", env.StorageKey, err)
	}

	images, err := c.renderer.Render(ctx, data)
	if err != nil {
		return err
	}
	if len(images) != r.Pages() {
		return task.Permanent(fmt.Errorf("part %s rendered %d pages, want %d", env.StorageKey, len(images), r.Pages()))
	}

	chunks := make([]ledger.Chunk, 0, len(images))
	previous := ""
	for i, img := range images {
		page := r.Start + i
		text, err := c.transcriber.Transcribe(ctx, transcribe.Page{
			Number:   page,
			Image:    img,
			MIMEType: "image/png",
			Previous: previous,
		})
		if err != nil {
			return fmt.Errorf("transcribe page %d: %w", page, err)
		}
		chunks = append(chunks, ledger.Chunk{
			ID:         uuid.NewString(),
			JobID:      env.ID,
			PageNumber: page,
			Content:    text,
			Metadata: map[string]any{
				"page_number": page,
				"range_index": env.Index,
				"model":       c.transcriber.Model(),
			},
		})
		previous = text
	}

	progress, err := c.ledger.CompleteRange(ctx, env.ID, r, chunks)
	if err != nil {
		return err
	}

	switch {
	case progress.Duplicate:
		log.Info("range recorded concurrently, chunks discarded")
	case progress.Completed:
		log.Info("job completed",
			"pages_processed", progress.PagesProcessed,
			"total_pages", progress.TotalPages,
			"duration_ms", time.Since(start).Milliseconds())
	default:
		log.Info("range recorded",
			"pages_processed", progress.PagesProcessed,
			"total_pages", progress.TotalPages,
			"status", progress.Status,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}
