// Package transcribe turns rendered page images into markdown using a
// vision-capable model.
package transcribe

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

var ErrEmptyOutput = errors.New("model returned no text")

// Page is one rendered page to transcribe. Previous holds the transcription of
// the page before it, when known, so formatting stays consistent across the
// boundary.
type Page struct {
	Number   int
	Image    []byte
	MIMEType string
	Previous string
}

type Transcriber interface {
	Transcribe(ctx context.Context, page Page) (string, error)
	Model() string
}

const systemPrompt = `Convert the page image to clean GitHub-flavored markdown.
Preserve headings, lists, tables and reading order. Transcribe text exactly; do not summarize.
Return only the markdown for this page, with no commentary and no code fences around the whole output.`

func userPrompt(p Page) string {
	var b strings.Builder
	b.WriteString("Transcribe this page to markdown.")
	if p.Previous != "" {
		b.WriteString("\n\nThe previous page ended with the following markdown. Continue its formatting (table columns, list numbering, heading levels) where this page carries it over, but do not repeat it:\n\n")
		b.WriteString(tail(p.Previous, 2000))
	}
	return b.String()
}

// clean strips a code fence wrapped around the whole answer, which models add
// despite being asked not to.
func clean(out string) (string, error) {
	s := strings.TrimSpace(out)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return "", ErrEmptyOutput
	}
	return s, nil
}

// tail returns at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func mimeType(p Page) string {
	if p.MIMEType != "" {
		return p.MIMEType
	}
	return "image/png"
}
