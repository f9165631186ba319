// Package provider adapts upstream model APIs to domain.ModelProvider.
//
// Platform-funded calls always go to Anthropic with the platform key.
// BYOK calls are routed by key prefix: Anthropic keys to Anthropic,
// OpenRouter keys to the OpenAI-compatible OpenRouter endpoint.
package provider

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tutu-network/pit/internal/domain"
)

const providerAnthropic = "anthropic"

// Anthropic streams completions from the Messages API.
type Anthropic struct {
	client anthropic.Client
}

var _ domain.ModelProvider = (*Anthropic)(nil)

// NewAnthropic creates a client for apiKey. baseURL may be empty.
func NewAnthropic(apiKey, baseURL string, maxRetries int) *Anthropic {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(apiKey)),
		aoption.WithMaxRetries(maxRetries),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

// Generate streams one turn. Text deltas are passed to onDelta as they
// arrive.
func (a *Anthropic) Generate(ctx context.Context, req domain.GenerateRequest, onDelta func(string)) (domain.GenerateResult, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return domain.GenerateResult{}, errors.New("anthropic: missing model")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		MaxTokens: req.MaxOutputTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.User))},
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = defaultMaxOutputTokens
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	var text strings.Builder
	for stream.Next() {
		ev := stream.Current()
		if err := msg.Accumulate(ev); err != nil {
			return domain.GenerateResult{Text: text.String()}, wrapAnthropicErr(err)
		}
		if v, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if d, ok := v.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				text.WriteString(d.Text)
				if onDelta != nil {
					onDelta(d.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return domain.GenerateResult{Text: text.String()}, wrapAnthropicErr(err)
	}

	res := domain.GenerateResult{
		Text: text.String(),
		Usage: domain.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	res.UsageReported = res.Usage.InputTokens > 0 || res.Usage.OutputTokens > 0
	return res, nil
}

func wrapAnthropicErr(err error) error {
	pe := &domain.ProviderError{Provider: providerAnthropic, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}
