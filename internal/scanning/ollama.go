package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Ollama implements Backend using a local Ollama server.
// Recommended vision models for receipts:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
type Ollama struct {
	model  string
	client *resty.Client
}

// NewOllama creates a new Ollama backend
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	cli := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		// Vision models can be slow; the per-call context deadline is the real bound
		SetTimeout(5 * time.Minute)

	return &Ollama{
		model:  modelName,
		client: cli,
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

var errOllamaVideo = errors.New("ollama backend does not support video")

// Generate sends the prompt and optional image to Ollama's chat API
func (o *Ollama) Generate(ctx context.Context, prompt string, media *Media) (string, error) {
	user := ollamaMessage{Role: "user", Content: prompt}
	if media != nil {
		if media.IsVideo() {
			return "", errOllamaVideo
		}
		user.Images = []string{base64.StdEncoding.EncodeToString(media.Data)}
	}

	body := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts and invoices. Read all text in images carefully and answer only with JSON.",
			},
			user,
		},
	}

	var chatResp ollamaChatResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&chatResp).
		Post("/api/chat")
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}

	return chatResp.Message.Content, nil
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
