package agent

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicDriver drives runs with Anthropic's Claude models. Safe for
// concurrent use; the SDK client handles concurrent requests.
type AnthropicDriver struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicDriver creates a Claude-backed driver.
func NewAnthropicDriver(apiKey, model string) (*AnthropicDriver, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key cannot be empty")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicDriver{client: &client, model: model}, nil
}

// Name implements Driver.
func (a *AnthropicDriver) Name() string { return "anthropic" }

// Next asks Claude for the run's next step.
func (a *AnthropicDriver) Next(ctx context.Context, view View) (Decision, Usage, error) {
	prompt := buildPrompt(view)

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Decision{}, Usage{}, translateAPIError("anthropic", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}
	d, err := parseDecision(text)
	if err != nil {
		return Decision{}, usage, err
	}
	return d, usage, nil
}
