package enrich

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini generates explanations through the Google generative AI API.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini builds a Gemini provider. modelName defaults to
// gemini-1.5-flash, which is cheap enough for per-finding calls.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	m := client.GenerativeModel(modelName)
	m.SetTemperature(0)
	return &Gemini{client: client, model: m}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Explain(ctx context.Context, s Summary) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(Prompt(s)))
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini: empty response")
	}

	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out += string(text)
		}
	}
	if out == "" {
		return "", fmt.Errorf("gemini: no text parts in response")
	}
	return out, nil
}

// Close releases the underlying API client.
func (g *Gemini) Close() error { return g.client.Close() }
