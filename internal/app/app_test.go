package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devflowinc/trieve-sub003/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, redisAddr string) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Redis:       config.RedisConfig{Addrs: []string{redisAddr}},
		Queue:       config.QueueConfig{Prefix: "test", PollTimeout: time.Second},
		Worker:      config.WorkerConfig{DocumentCount: 1, PageCount: 2},
		Split:       config.SplitConfig{PageBudget: 10, UploadConcurrency: 2},
		Ledger:      config.LedgerConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "ledger.db")},
		Blob:        config.BlobConfig{Backend: "fs", Dir: filepath.Join(dir, "blobs")},
		Render:      config.RenderConfig{Pdftoppm: "pdftoppm", DPI: 150},
		Transcriber: config.TranscriberConfig{Provider: "openai", Model: "gpt-4o-mini", BaseURL: "http://127.0.0.1:1"},
	}
}

func TestNew_WiresDependencies(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(ctx, testConfig(t, mr.Addr()), logger)
	require.NoError(t, err)
	defer a.Close()

	rr := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	a.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	pool, err := a.Workers(ctx)
	require.NoError(t, err)
	pool.Start(ctx)
	cancel()
	pool.Stop()
}

func TestNew_RedisUnavailable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(context.Background(), testConfig(t, "127.0.0.1:1"), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connection failed")
}

func TestWorkers_UnknownProvider(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := testConfig(t, mr.Addr())
	cfg.Transcriber.Provider = "local"

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Workers(context.Background())
	assert.Error(t, err)
}
