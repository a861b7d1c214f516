package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements Backend using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini backend
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Generate sends the prompt and optional media to Gemini and returns the text answer
func (g *Gemini) Generate(ctx context.Context, prompt string, media *Media) (string, error) {
	var parts []genai.Part
	if media != nil {
		parts = append(parts, geminiPart(*media))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// geminiPart turns prepared media into a request part.
// genai.ImageData wants the format suffix ("png"), not the full MIME type.
func geminiPart(m Media) genai.Part {
	if m.IsVideo() {
		return genai.Blob{MIMEType: m.MIMEType, Data: m.Data}
	}
	return genai.ImageData(strings.TrimPrefix(m.MIMEType, "image/"), m.Data)
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
