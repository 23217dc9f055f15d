package agent

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIDriver drives runs with OpenAI's chat models in JSON mode.
type OpenAIDriver struct {
	client *openai.Client
	model  string
}

// NewOpenAIDriver creates a GPT-backed driver.
func NewOpenAIDriver(apiKey, model string) (*OpenAIDriver, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key cannot be empty")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIDriver{client: &client, model: model}, nil
}

// Name implements Driver.
func (p *OpenAIDriver) Name() string { return "openai" }

// Next asks the model for the run's next step.
func (p *OpenAIDriver) Next(ctx context.Context, view View) (Decision, Usage, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, Usage{}, err
	}
	prompt := buildPrompt(view)

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(prompt),
					},
				},
			},
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		},
		Temperature: openai.Float(1.0),
	})
	if err != nil {
		return Decision{}, Usage{}, translateAPIError("openai", err)
	}
	if len(completion.Choices) == 0 {
		return Decision{}, Usage{}, errors.New("openai: empty completion")
	}

	usage := Usage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	d, err := parseDecision(completion.Choices[0].Message.Content)
	if err != nil {
		return Decision{}, usage, err
	}
	return d, usage, nil
}
