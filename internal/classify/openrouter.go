package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// DefaultOpenRouterURL is the chat completions endpoint.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouter calls an OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// NewOpenRouter returns a provider. An empty url selects DefaultOpenRouterURL;
// a nil client gets a 60 second timeout.
func NewOpenRouter(url, model, apiKey string, client *http.Client) (*OpenRouter, error) {
	if apiKey == "" {
		return nil, errors.New("openrouter api key is required")
	}
	if model == "" {
		return nil, errors.New("openrouter model is required")
	}
	if url == "" {
		url = DefaultOpenRouterURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenRouter{url: url, model: model, apiKey: apiKey, client: client}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Name implements Provider.
func (o *OpenRouter) Name() string { return "openrouter" }

// Complete implements Provider.
func (o *OpenRouter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter request: %w: %w", harvest.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("openrouter status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(raw), statusKind(resp.StatusCode))
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w: %w", harvest.ErrPermanent, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openrouter error: %s: %w", out.Error.Message, harvest.ErrPermanent)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openrouter returned no choices: %w", harvest.ErrPermanent)
	}
	return out.Choices[0].Message.Content, nil
}
