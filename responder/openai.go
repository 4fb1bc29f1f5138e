package responder

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI answers administrative messages with chat completions.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds an OpenAI-backed responder. The model name defaults to
// gpt-4o when empty.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai responder requires an API key")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.ChatModelGPT4o
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAI{client: &client, model: model}, nil
}

func (o *OpenAI) Query(ctx context.Context, text string) (string, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai query failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai query returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
