package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aktagon/llmkit/google"
	googletypes "github.com/aktagon/llmkit/google/types"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

type geminiPromptFunc func(system, user string, settings googletypes.RequestSettings) (string, error)

// Gemini calls the Generative Language API through llmkit.
type Gemini struct {
	apiKey   string
	settings googletypes.RequestSettings
	prompt   geminiPromptFunc
}

// NewGemini returns a provider for model. An empty model selects llmkit's
// default Gemini model; maxTokens <= 0 leaves the output length to the API.
func NewGemini(apiKey, model string, maxTokens int) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = googletypes.Model
	}
	g := &Gemini{
		apiKey:   apiKey,
		settings: googletypes.RequestSettings{Model: model, MaxTokens: max(maxTokens, 0)},
	}
	g.prompt = g.send
	return g, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Complete implements Provider.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	return await(ctx, "gemini", func() (string, error) {
		return g.prompt(systemPrompt, prompt, g.settings)
	})
}

func (g *Gemini) send(system, user string, settings googletypes.RequestSettings) (string, error) {
	response, err := google.PromptWithSettings(system, user, "", g.apiKey, settings)
	if err != nil {
		return "", llmError("gemini", err)
	}
	return geminiText(response)
}

// geminiText joins the text parts of the first candidate.
func geminiText(response *googletypes.GoogleResponse) (string, error) {
	if response == nil || len(response.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates: %w", harvest.ErrPermanent)
	}
	var b strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini returned no text (finish reason %q): %w",
			response.Candidates[0].FinishReason, harvest.ErrPermanent)
	}
	return b.String(), nil
}
