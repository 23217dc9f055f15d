package agent

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGoogleModel is used when no model is configured.
const DefaultGoogleModel = "gemini-1.5-flash"

// GoogleDriver drives runs with Google's Gemini models. Close releases the
// underlying client when the driver is no longer needed.
type GoogleDriver struct {
	client *genai.Client
	model  string
}

// NewGoogleDriver creates a Gemini-backed driver.
func NewGoogleDriver(ctx context.Context, apiKey, model string) (*GoogleDriver, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key cannot be empty")
	}
	if model == "" {
		model = DefaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, translateAPIError("google", err)
	}
	return &GoogleDriver{client: client, model: model}, nil
}

// Close releases the Gemini client.
func (g *GoogleDriver) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Name implements Driver.
func (g *GoogleDriver) Name() string { return "google" }

// Next asks Gemini for the run's next step.
func (g *GoogleDriver) Next(ctx context.Context, view View) (Decision, Usage, error) {
	prompt := buildPrompt(view)

	model := g.client.GenerativeModel(g.model)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return Decision{}, Usage{}, translateAPIError("google", err)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Decision{}, usage, errors.New("google: empty response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	d, err := parseDecision(text)
	if err != nil {
		return Decision{}, usage, err
	}
	return d, usage, nil
}
