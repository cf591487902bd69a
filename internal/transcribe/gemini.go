package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// contentGenerator is the part of the genai client Gemini calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini transcribes pages with the Gemini API.
type Gemini struct {
	models  contentGenerator
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return newGemini(client.Models, cfg, logger), nil
}

func newGemini(models contentGenerator, cfg GeminiConfig, logger *slog.Logger) *Gemini {
	return &Gemini{models: models, model: cfg.Model, timeout: cfg.Timeout, logger: logger}
}

func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Transcribe(ctx context.Context, page Page) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: userPrompt(page)},
			{InlineData: &genai.Blob{MIMEType: mimeType(page), Data: page.Image}},
		},
	}}
	temperature := float32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       &temperature,
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		g.logger.Error("gemini transcription failed",
			"page", page.Number, "model", g.model, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			b.WriteString(part.Text)
		}
	}

	out, err := clean(b.String())
	if err != nil {
		return "", err
	}

	g.logger.Debug("gemini transcription ok",
		"page", page.Number, "model", g.model, "chars", len(out),
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}
