package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

const systemPrompt = "You label machine learning papers. Answer with the category name only."

type promptFunc func(system, user string, settings types.RequestSettings) (string, error)

// Anthropic calls the Messages API through llmkit.
type Anthropic struct {
	apiKey   string
	settings types.RequestSettings
	prompt   promptFunc
}

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// NewAnthropic returns a provider for model. An empty model selects
// DefaultAnthropicModel; maxTokens <= 0 selects 32.
func NewAnthropic(apiKey, model string, maxTokens int) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 32
	}
	a := &Anthropic{
		apiKey:   apiKey,
		settings: types.RequestSettings{Model: model, MaxTokens: maxTokens},
	}
	a.prompt = a.send
	return a, nil
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	return await(ctx, "anthropic", func() (string, error) {
		return a.prompt(systemPrompt, prompt, a.settings)
	})
}

// await runs a blocking llmkit call. llmkit calls are not cancelable, so a
// canceled ctx abandons the in-flight request rather than aborting it.
func await(ctx context.Context, provider string, call func() (string, error)) (string, error) {
	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := call()
		ch <- reply{text: text, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s request: %w", provider, ctx.Err())
	case r := <-ch:
		return r.text, r.err
	}
}

func (a *Anthropic) send(system, user string, settings types.RequestSettings) (string, error) {
	response, err := anthropic.PromptWithSettings(system, user, "", a.apiKey, settings)
	if err != nil {
		return "", llmError("anthropic", err)
	}
	if len(response.Content) == 0 {
		return "", fmt.Errorf("anthropic returned no content: %w", harvest.ErrPermanent)
	}
	return response.Content[0].Text, nil
}
