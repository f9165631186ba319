package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/pit/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ─── Anthropic ──────────────────────────────────────────────────────────────

func writeSSE(w io.Writer, f http.Flusher, event string, v any) {
	b, _ := json.Marshal(v)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	f.Flush()
}

type anthropicMock struct {
	mu     sync.Mutex
	apiKey string
	body   map[string]any
	status int
}

func (m *anthropicMock) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/messages") {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.apiKey = r.Header.Get("x-api-key")
	_ = json.Unmarshal(raw, &m.body)
	status := m.status
	m.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f := w.(http.Flusher)
	writeSSE(w, f, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "content": []any{},
			"model": "claude-haiku-4-5-20251001",
			"usage": map[string]any{"input_tokens": 12, "output_tokens": 0},
		},
	})
	writeSSE(w, f, "content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	for _, part := range []string{"Objection, ", "your honour."} {
		writeSSE(w, f, "content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": part},
		})
	}
	writeSSE(w, f, "content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	writeSSE(w, f, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": 5},
	})
	writeSSE(w, f, "message_stop", map[string]any{"type": "message_stop"})
}

func TestAnthropic_StreamsDeltasAndUsage(t *testing.T) {
	t.Parallel()
	mock := &anthropicMock{}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p := NewAnthropic("sk-ant-platform", srv.URL+"/", 0)
	var deltas []string
	res, err := p.Generate(context.Background(), domain.GenerateRequest{
		ModelID:         domain.ModelHaiku,
		System:          "be brief",
		User:            "open the case",
		MaxOutputTokens: 200,
	}, func(s string) { deltas = append(deltas, s) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Objection, ", "your honour."}, deltas)
	assert.Equal(t, "Objection, your honour.", res.Text)
	assert.True(t, res.UsageReported)
	assert.Equal(t, int64(12), res.Usage.InputTokens)
	assert.Equal(t, int64(5), res.Usage.OutputTokens)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, "sk-ant-platform", mock.apiKey)
	assert.Equal(t, domain.ModelHaiku, mock.body["model"])
	assert.EqualValues(t, 200, mock.body["max_tokens"])
}

func TestAnthropic_ErrorCarriesStatus(t *testing.T) {
	t.Parallel()
	mock := &anthropicMock{status: http.StatusTooManyRequests}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p := NewAnthropic("sk-ant-platform", srv.URL+"/", 0)
	_, err := p.Generate(context.Background(), domain.GenerateRequest{ModelID: domain.ModelHaiku, User: "hi"}, nil)
	require.Error(t, err)

	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "anthropic", pe.Provider)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

// ─── OpenRouter ─────────────────────────────────────────────────────────────

type openRouterMock struct {
	mu   sync.Mutex
	auth string
	body map[string]any
}

func (m *openRouterMock) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.auth = r.Header.Get("Authorization")
	_ = json.Unmarshal(raw, &m.body)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f := w.(http.Flusher)
	for _, part := range []string{"Hear ", "me out."} {
		writeSSE(w, f, "", map[string]any{
			"id": "c1", "object": "chat.completion.chunk", "created": 1, "model": "openai/gpt-4o",
			"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"role": "assistant", "content": part}}},
		})
	}
	writeSSE(w, f, "", map[string]any{
		"id": "c1", "object": "chat.completion.chunk", "created": 1, "model": "openai/gpt-4o",
		"choices": []any{},
		"usage":   map[string]any{"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12},
	})
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	f.Flush()
}

func TestOpenRouter_StreamsDeltasAndUsage(t *testing.T) {
	t.Parallel()
	mock := &openRouterMock{}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p := NewOpenRouter("sk-or-v1-user", srv.URL+"/v1", 0)
	var got strings.Builder
	res, err := p.Generate(context.Background(), domain.GenerateRequest{
		ModelID: "openai/gpt-4o",
		System:  "sys",
		User:    "usr",
	}, func(s string) { got.WriteString(s) })
	require.NoError(t, err)

	assert.Equal(t, "Hear me out.", got.String())
	assert.Equal(t, "Hear me out.", res.Text)
	assert.True(t, res.UsageReported)
	assert.Equal(t, domain.Usage{InputTokens: 9, OutputTokens: 3}, res.Usage)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, "Bearer sk-or-v1-user", mock.auth)
	assert.Equal(t, "openai/gpt-4o", mock.body["model"])
	opts, _ := mock.body["stream_options"].(map[string]any)
	assert.Equal(t, true, opts["include_usage"])
	msgs, _ := mock.body["messages"].([]any)
	assert.Len(t, msgs, 2)
}

// ─── Router ─────────────────────────────────────────────────────────────────

type recordingProvider struct {
	name string
	reqs *[]domain.GenerateRequest
}

func (p recordingProvider) Generate(_ context.Context, req domain.GenerateRequest, onDelta func(string)) (domain.GenerateResult, error) {
	*p.reqs = append(*p.reqs, req)
	onDelta(p.name)
	return domain.GenerateResult{Text: p.name}, nil
}

func newTestRouter(t *testing.T, platformKey string) (*Router, *[]string, *[]domain.GenerateRequest) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AnthropicAPIKey = platformKey
	r := NewRouter(cfg, discard())
	var keys []string
	var reqs []domain.GenerateRequest
	r.anthropic = func(key string) domain.ModelProvider {
		keys = append(keys, "anthropic:"+key)
		return recordingProvider{name: "anthropic", reqs: &reqs}
	}
	r.openRouter = func(key string) domain.ModelProvider {
		keys = append(keys, "openrouter:"+key)
		return recordingProvider{name: "openrouter", reqs: &reqs}
	}
	if platformKey != "" {
		r.platform = r.anthropic(platformKey)
	}
	return r, &keys, &reqs
}

func TestRouter_Routing(t *testing.T) {
	t.Parallel()
	r, keys, reqs := newTestRouter(t, "sk-ant-platform")
	ctx := context.Background()
	noop := func(string) {}

	res, err := r.Generate(ctx, domain.GenerateRequest{ModelID: domain.ModelSonnet}, noop)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Text)
	assert.Equal(t, domain.ModelSonnet, (*reqs)[0].ModelID)

	res, err = r.Generate(ctx, domain.GenerateRequest{
		ModelID: domain.ModelBYOK,
		Byok:    &domain.ByokCredential{Key: "sk-or-v1-abc", ModelID: "deepseek/deepseek-r1"},
	}, noop)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", res.Text)
	assert.Equal(t, "deepseek/deepseek-r1", (*reqs)[1].ModelID)

	res, err = r.Generate(ctx, domain.GenerateRequest{
		ModelID: domain.ModelBYOK,
		Byok:    &domain.ByokCredential{Key: "sk-ant-user", ModelID: "openai/gpt-4o"},
	}, noop)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Text)
	assert.Equal(t, domain.ModelHaiku, (*reqs)[2].ModelID)

	assert.Equal(t, []string{"anthropic:sk-ant-platform", "openrouter:sk-or-v1-abc", "anthropic:sk-ant-user"}, *keys)
}

func TestRouter_NoPlatformKey(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t, "")
	assert.False(t, r.PlatformConfigured())

	_, err := r.Generate(context.Background(), domain.GenerateRequest{ModelID: domain.ModelHaiku}, func(string) {})
	assert.ErrorIs(t, err, ErrNoPlatformKey)

	// BYOK still works without a platform key.
	_, err = r.Generate(context.Background(), domain.GenerateRequest{
		Byok: &domain.ByokCredential{Key: "sk-ant-user"},
	}, func(string) {})
	assert.NoError(t, err)
}

func TestNormalizeByok(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	tests := []struct {
		name     string
		in       domain.ByokCredential
		provider domain.ByokProvider
		model    string
	}{
		{"anthropic known model", domain.ByokCredential{Key: "sk-ant-x", ModelID: domain.ModelOpus46}, domain.ByokAnthropic, domain.ModelOpus46},
		{"anthropic unknown model", domain.ByokCredential{Key: "sk-ant-x", ModelID: "gpt-9"}, domain.ByokAnthropic, domain.ModelHaiku},
		{"anthropic empty model", domain.ByokCredential{Key: "sk-ant-x"}, domain.ByokAnthropic, domain.ModelHaiku},
		{"openrouter curated", domain.ByokCredential{Key: "sk-or-v1-x", ModelID: "google/gemini-2.5-pro-preview"}, domain.ByokOpenRouter, "google/gemini-2.5-pro-preview"},
		{"openrouter uncurated", domain.ByokCredential{Key: "sk-or-v1-x", ModelID: "acme/secret"}, domain.ByokOpenRouter, "openai/gpt-4o"},
		{"openrouter anthropic id", domain.ByokCredential{Key: "sk-or-v1-x", ModelID: domain.ModelHaiku}, domain.ByokOpenRouter, "openai/gpt-4o"},
		{"unknown prefix", domain.ByokCredential{Key: "mystery"}, domain.ByokAnthropic, domain.ModelHaiku},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeByok(tt.in, cfg)
			assert.Equal(t, tt.provider, got.Provider)
			assert.Equal(t, tt.model, got.ModelID)
			assert.Equal(t, tt.in.Key, got.Key)
		})
	}
}
