package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/devflowinc/trieve-sub003/internal/blob"
	"github.com/devflowinc/trieve-sub003/internal/ledger"
	"github.com/devflowinc/trieve-sub003/internal/queue"
	"github.com/devflowinc/trieve-sub003/internal/task"
)

const maxUploadBytes = 256 << 20

type Handler struct {
	ledger ledger.Ledger
	blobs  blob.Store
	queue  *queue.Queue
	prefix string
	logger *slog.Logger
}

func NewHandler(l ledger.Ledger, blobs blob.Store, q *queue.Queue, prefix string, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, blobs: blobs, queue: q, prefix: prefix, logger: logger}
}

type JobResponse struct {
	*ledger.Job
	Done bool `json:"done"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

// CreateJob accepts a multipart upload in the "file" field, stores it and
// queues a document task for it.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read upload")
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		respondError(w, http.StatusBadRequest, "file is not a PDF")
		return
	}

	ctx := r.Context()
	id := uuid.NewString()
	key := blob.SourceKey(id)

	if err := h.blobs.Put(ctx, key, data); err != nil {
		h.logger.Error("store upload failed", "job_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	job := &ledger.Job{ID: id, FileName: header.Filename, Status: task.StatusCreated, CreatedAt: time.Now().UTC()}
	if err := h.ledger.CreateJob(ctx, job); err != nil {
		h.logger.Error("create job failed", "job_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	doc := &task.Document{ID: id, FileName: header.Filename, StorageKey: key}
	if err := h.queue.Enqueue(ctx, queue.NamesFor(h.prefix, task.KindDocument).Pending, doc); err != nil {
		h.logger.Error("enqueue document failed", "job_id", id, "error", err)
		if _, markErr := h.ledger.MarkFailed(ctx, id, "enqueue document task: "+err.Error()); markErr != nil {
			h.logger.Error("mark job failed", "job_id", id, "error", markErr)
		}
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), JobID: id})
		return
	}

	h.logger.Info("job submitted", "job_id", id, "file_name", header.Filename, "bytes", len(data))
	respondJSON(w, http.StatusAccepted, JobResponse{Job: job, Done: false})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, JobResponse{Job: job, Done: job.Done()})
}

func (h *Handler) ListChunks(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	chunks, err := h.ledger.ListChunks(r.Context(), job.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, chunks)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	names, ok := h.namesFor(w, r)
	if !ok {
		return
	}

	stats, err := h.queue.Stats(r.Context(), names)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ReplayDead moves every dead task of a kind back to pending with a fresh
// attempt budget.
func (h *Handler) ReplayDead(w http.ResponseWriter, r *http.Request) {
	names, ok := h.namesFor(w, r)
	if !ok {
		return
	}

	n, err := h.queue.ReplayDead(r.Context(), names, task.ResetAttempts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("dead tasks replayed", "queue", names.Dead, "count", n)
	respondJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.queue.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "redis: "+err.Error())
		return
	}
	if err := h.ledger.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "ledger: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*ledger.Job, bool) {
	job, err := h.ledger.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (h *Handler) namesFor(w http.ResponseWriter, r *http.Request) (queue.Names, bool) {
	kind := task.Kind(chi.URLParam(r, "kind"))
	if kind != task.KindDocument && kind != task.KindPageRange {
		respondError(w, http.StatusNotFound, "unknown queue")
		return queue.Names{}, false
	}
	return queue.NamesFor(h.prefix, kind), true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
