// Package blob stores original documents and split sub-documents.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// SourceKey is where the submission path stores an uploaded document.
func SourceKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/source.pdf", jobID)
}

// PartKey is where the splitter stores the sub-document with the given index.
func PartKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/parts/%04d.pdf", jobID, index)
}
