package task

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxAttempts is the fixed number of executions a task gets before it is dead-lettered.
const MaxAttempts = 3

type Kind string

const (
	KindDocument  Kind = "document"
	KindPageRange Kind = "page_range"
)

type Status string

const (
	StatusCreated        Status = "created"
	StatusProcessingFile Status = "processing_file"
	StatusChunkingFile   Status = "chunking_file"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no worker will move the job out of this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Attempt is the retry capability shared by every envelope variant.
type Attempt struct {
	Attempt uint `json:"attempt"`
}

func (a *Attempt) Increment() { a.Attempt++ }

func (a *Attempt) Attempts() uint { return a.Attempt }

func (a *Attempt) HasRemainingAttempts() bool { return a.Attempt < MaxAttempts }

// Envelope is the unit of work moved through the queue. JobID is stable across
// retries and fan-out.
type Envelope interface {
	JobID() string
	Kind() Kind
	Increment()
	Attempts() uint
	HasRemainingAttempts() bool
}

// Document asks for a whole document to be split into page-range work.
// Either Data or StorageKey carries the document.
type Document struct {
	ID         string `json:"id" validate:"required"`
	FileName   string `json:"file_name" validate:"required"`
	Data       []byte `json:"data,omitempty" validate:"required_without=StorageKey"`
	StorageKey string `json:"storage_key,omitempty"`
	Attempt
}

func (d *Document) JobID() string { return d.ID }

func (d *Document) Kind() Kind { return KindDocument }

// PageRange asks for one stored sub-document to be transcribed.
type PageRange struct {
	ID         string `json:"id" validate:"required"`
	StorageKey string `json:"storage_key" validate:"required"`
	Index      int    `json:"index" validate:"gte=0"`
	Start      int    `json:"start" validate:"gte=1"`
	End        int    `json:"end" validate:"gtefield=Start"`
	Attempt
}

func (p *PageRange) JobID() string { return p.ID }

func (p *PageRange) Kind() Kind { return KindPageRange }

func (p *PageRange) Range() Range { return Range{Start: p.Start, End: p.End} }

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeDocument parses and validates a serialized Document envelope.
func DecodeDocument(raw []byte) (*Document, error) {
	var d Document
	if err := decode(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodePageRange parses and validates a serialized PageRange envelope.
func DecodePageRange(raw []byte) (*PageRange, error) {
	var p PageRange
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

// ResetAttempts rewrites the attempt counter of a serialized envelope to zero,
// leaving every other field as it was.
func ResetAttempts(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	fields["attempt"] = json.RawMessage("0")
	return json.Marshal(fields)
}
