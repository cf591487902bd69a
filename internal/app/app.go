// Package app wires configuration into the queue, ledger, blob store and
// worker pools shared by the server and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/devflowinc/trieve-sub003/internal/api"
	"github.com/devflowinc/trieve-sub003/internal/blob"
	"github.com/devflowinc/trieve-sub003/internal/chunker"
	"github.com/devflowinc/trieve-sub003/internal/config"
	"github.com/devflowinc/trieve-sub003/internal/ledger"
	"github.com/devflowinc/trieve-sub003/internal/pdf"
	"github.com/devflowinc/trieve-sub003/internal/queue"
	"github.com/devflowinc/trieve-sub003/internal/retry"
	"github.com/devflowinc/trieve-sub003/internal/splitter"
	"github.com/devflowinc/trieve-sub003/internal/task"
	"github.com/devflowinc/trieve-sub003/internal/transcribe"
	"github.com/devflowinc/trieve-sub003/internal/worker"
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Queue  *queue.Queue
	Ledger ledger.Ledger
	Blobs  blob.Store
}

// New connects to every shared dependency. A Redis connection failure is
// returned before anything else is opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	q, err := queue.New(queue.Options{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to redis", "addrs", cfg.Redis.Addrs)

	l, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		q.Close()
		return nil, err
	}

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		q.Close()
		l.Close()
		return nil, err
	}

	return &App{cfg: cfg, logger: logger, Queue: q, Ledger: l, Blobs: blobs}, nil
}

func (a *App) Close() error {
	return errors.Join(a.Queue.Close(), a.Ledger.Close())
}

func (a *App) Router() http.Handler {
	return api.NewRouter(api.NewHandler(a.Ledger, a.Blobs, a.Queue, a.cfg.Queue.Prefix, a.logger))
}

// Workers builds the document and page pools. Neither is started.
func (a *App) Workers(ctx context.Context) (*worker.Pool, error) {
	tr, err := newTranscriber(ctx, a.cfg.Transcriber, a.logger)
	if err != nil {
		return nil, err
	}

	docNames := queue.NamesFor(a.cfg.Queue.Prefix, task.KindDocument)
	pageNames := queue.NamesFor(a.cfg.Queue.Prefix, task.KindPageRange)
	policy := retry.NewPolicy(a.Queue, a.Ledger, a.logger)

	split := splitter.New(
		splitter.Config{PageBudget: a.cfg.Split.PageBudget, UploadConcurrency: a.cfg.Split.UploadConcurrency},
		pdf.NewSplitter(),
		a.Blobs,
		a.Ledger,
		splitter.NewQueuePublisher(a.Queue, pageNames.Pending),
		a.logger,
	)
	chunk := chunker.New(
		a.Blobs,
		pdf.NewRenderer(pdf.RenderConfig{Pdftoppm: a.cfg.Render.Pdftoppm, DPI: a.cfg.Render.DPI}, a.logger),
		tr,
		a.Ledger,
		a.logger,
	)

	pool := worker.NewPool(a.logger)
	worker.Register(pool, a.cfg.Worker.DocumentCount,
		worker.Config{Names: docNames, PollTimeout: a.cfg.Queue.PollTimeout, TaskTimeout: a.cfg.Worker.TaskTimeout},
		a.Queue, policy, task.DecodeDocument, split.Handle)
	worker.Register(pool, a.cfg.Worker.PageCount,
		worker.Config{Names: pageNames, PollTimeout: a.cfg.Queue.PollTimeout, TaskTimeout: a.cfg.Worker.TaskTimeout},
		a.Queue, policy, task.DecodePageRange, chunk.Handle)

	return pool, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "postgres":
		return ledger.OpenPostgres(ctx, ledger.PostgresConfig{DSN: cfg.DSN}, logger)
	case "sqlite":
		return ledger.OpenSQLite(ctx, cfg.SQLitePath, logger)
	}
	return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "fs":
		return blob.NewFS(cfg.Dir)
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint})
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

func newTranscriber(ctx context.Context, cfg config.TranscriberConfig, logger *slog.Logger) (transcribe.Transcriber, error) {
	switch cfg.Provider {
	case "gemini":
		return transcribe.NewGemini(ctx, transcribe.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model, Timeout: cfg.Timeout}, logger)
	case "openai":
		return transcribe.NewOpenAI(transcribe.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}, logger)
	}
	return nil, fmt.Errorf("unknown transcriber provider %q", cfg.Provider)
}
