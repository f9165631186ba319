package provider

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"

	"github.com/tutu-network/pit/internal/domain"
)

const (
	providerOpenRouter = "openrouter"

	// DefaultOpenRouterBaseURL is the OpenAI-compatible OpenRouter endpoint.
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenRouter streams chat completions through an OpenAI-compatible API.
type OpenRouter struct {
	client openai.Client
}

var _ domain.ModelProvider = (*OpenRouter)(nil)

// NewOpenRouter creates a client for apiKey. An empty baseURL means the
// public OpenRouter endpoint.
func NewOpenRouter(apiKey, baseURL string, maxRetries int) *OpenRouter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenRouterBaseURL
	}
	return &OpenRouter{client: openai.NewClient(
		ooption.WithAPIKey(strings.TrimSpace(apiKey)),
		ooption.WithBaseURL(strings.TrimSpace(baseURL)),
		ooption.WithMaxRetries(maxRetries),
	)}
}

// Generate streams one turn.
func (o *OpenRouter) Generate(ctx context.Context, req domain.GenerateRequest, onDelta func(string)) (domain.GenerateResult, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return domain.GenerateResult{}, errors.New("openrouter: missing model")
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	stream := o.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:     oshared.ChatModel(req.ModelID),
		Messages:  messages,
		MaxTokens: openai.Int(maxTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	})
	defer stream.Close()

	var (
		text  strings.Builder
		usage domain.Usage
	)
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = domain.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return domain.GenerateResult{Text: text.String()}, wrapOpenAIErr(err)
	}
	return domain.GenerateResult{
		Text:          text.String(),
		Usage:         usage,
		UsageReported: usage.InputTokens > 0 || usage.OutputTokens > 0,
	}, nil
}

func wrapOpenAIErr(err error) error {
	pe := &domain.ProviderError{Provider: providerOpenRouter, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}
