// Package splitter handles document tasks: it cuts a document into page-range
// sub-documents, stores them and publishes one page-range task per part.
package splitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devflowinc/trieve-sub003/internal/blob"
	"github.com/devflowinc/trieve-sub003/internal/task"
)

type PDF interface {
	PageCount(data []byte) (int, error)
	Extract(data []byte, r task.Range) ([]byte, error)
}

type Ledger interface {
	SetTotalPages(ctx context.Context, id string, total int) error
}

// Publisher hands a page-range task to the page pool.
type Publisher interface {
	Publish(ctx context.Context, env *task.PageRange) error
}

type Config struct {
	PageBudget        int
	UploadConcurrency int
}

type Splitter struct {
	cfg       Config
	pdf       PDF
	blobs     blob.Store
	ledger    Ledger
	publisher Publisher
	logger    *slog.Logger
}

func New(cfg Config, pdf PDF, blobs blob.Store, ledger Ledger, publisher Publisher, logger *slog.Logger) *Splitter {
	if cfg.PageBudget <= 0 {
		cfg.PageBudget = 10
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	return &Splitter{
		cfg:       cfg,
		pdf:       pdf,
		blobs:     blobs,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle splits one document. The total page count is recorded before any
// part is published, so no page-range completion can see total_pages = 0.
// Running it again for the same job re-derives identical parts and keys.
func (s *Splitter) Handle(ctx context.Context, doc *task.Document) error {
	start := time.Now()
	log := s.logger.With("job_id", doc.ID, "file_name", doc.FileName)

	data, err := s.load(ctx, doc)
	if err != nil {
		return err
	}

	total, err := s.pdf.PageCount(data)
	if err != nil {
		return err
	}
	ranges, err := task.Plan(total, s.cfg.PageBudget)
	if err != nil {
		return task.Permanent(err)
	}

	if err := s.ledger.SetTotalPages(ctx, doc.ID, total); err != nil {
		return fmt.Errorf("record total pages: %w", err)
	}

	keys := make([]string, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UploadConcurrency)
	for i, r := range ranges {
		g.Go(func() error {
			part, err := s.pdf.Extract(data, r)
			if err != nil {
				return err
			}
			key := blob.PartKey(doc.ID, i)
			if err := s.blobs.Put(gctx, key, part); err != nil {
				return fmt.Errorf("upload part %d: %w", i, err)
			}
			keys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, r := range ranges {
		env := &task.PageRange{
			ID:         doc.ID,
			StorageKey: keys[i],
			Index:      i,
			Start:      r.Start,
			End:        r.End,
		}
		if err := s.publisher.Publish(ctx, env); err != nil {
			return fmt.Errorf("publish range %s: %w", r, err)
		}
	}

	log.Info("document split",
		"total_pages", total,
		"parts", len(ranges),
		"page_budget", s.cfg.PageBudget,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Splitter) load(ctx context.Context, doc *task.Document) ([]byte, error) {
	if len(doc.Data) > 0 {
		return doc.Data, nil
	}
	data, err := s.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", doc.StorageKey, err)
	}
	return data, nil
}
