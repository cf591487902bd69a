// Package pdf counts, splits and rasterizes PDF documents.
package pdf

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/devflowinc/trieve-sub003/internal/task"
)

// Splitter opens documents with pdfcpu in relaxed validation mode, since
// scanned uploads are often slightly malformed. It is safe for concurrent use.
type Splitter struct {
	conf *model.Configuration
}

func NewSplitter() *Splitter {
	api.DisableConfigDir()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Splitter{conf: conf}
}

func (s *Splitter) PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), s.config())
	if err != nil {
		return 0, task.Permanent(fmt.Errorf("read page count: %w", err))
	}
	return n, nil
}

// Extract returns a new document holding only the pages in r, renumbered from 1
// and optimized.
func (s *Splitter) Extract(data []byte, r task.Range) ([]byte, error) {
	var trimmed bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &trimmed, []string{r.String()}, s.config()); err != nil {
		return nil, task.Permanent(fmt.Errorf("trim pages %s: %w", r, err))
	}

	var optimized bytes.Buffer
	if err := api.Optimize(bytes.NewReader(trimmed.Bytes()), &optimized, s.config()); err != nil {
		return nil, fmt.Errorf("optimize pages %s: %w", r, err)
	}
	return optimized.Bytes(), nil
}

// config returns a private copy; pdfcpu records the running command on it.
func (s *Splitter) config() *model.Configuration {
	c := *s.conf
	return &c
}
