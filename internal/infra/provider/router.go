package provider

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tutu-network/pit/internal/domain"
)

const defaultMaxOutputTokens = 1024

// ErrNoPlatformKey is returned for platform-funded calls when no
// Anthropic key is configured.
var ErrNoPlatformKey = errors.New("provider: platform anthropic key not configured")

// Config holds upstream endpoints and credentials.
type Config struct {
	AnthropicAPIKey   string `toml:"anthropic_api_key"`
	AnthropicBaseURL  string `toml:"anthropic_base_url"`
	OpenRouterBaseURL string `toml:"openrouter_base_url"`
	MaxRetries        int    `toml:"max_retries"`

	// ByokAnthropicModel is used when an Anthropic key arrives without a
	// known model id.
	ByokAnthropicModel string `toml:"byok_anthropic_model"`
	// ByokOpenRouterModel is used when an OpenRouter key arrives without a
	// curated model id.
	ByokOpenRouterModel string `toml:"byok_openrouter_model"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpenRouterBaseURL:   DefaultOpenRouterBaseURL,
		MaxRetries:          2,
		ByokAnthropicModel:  domain.ModelHaiku,
		ByokOpenRouterModel: domain.DefaultOpenRouterModel,
	}
}

// factory builds a provider bound to one API key.
type factory func(apiKey string) domain.ModelProvider

// Router implements domain.ModelProvider by choosing an upstream per call.
type Router struct {
	cfg        Config
	platform   domain.ModelProvider
	anthropic  factory
	openRouter factory
	log        *slog.Logger
}

var _ domain.ModelProvider = (*Router)(nil)

// NewRouter creates a router. The platform client exists only when
// cfg.AnthropicAPIKey is set.
func NewRouter(cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{cfg: cfg, log: log.With(slog.String("component", "provider"))}
	r.anthropic = func(key string) domain.ModelProvider {
		return NewAnthropic(key, cfg.AnthropicBaseURL, cfg.MaxRetries)
	}
	r.openRouter = func(key string) domain.ModelProvider {
		return NewOpenRouter(key, cfg.OpenRouterBaseURL, cfg.MaxRetries)
	}
	if cfg.AnthropicAPIKey != "" {
		r.platform = r.anthropic(cfg.AnthropicAPIKey)
	}
	return r
}

// PlatformConfigured reports whether platform-funded calls can be made.
func (r *Router) PlatformConfigured() bool { return r.platform != nil }

// Generate sends req to the platform client, or to the caller's own
// upstream when req.Byok carries a key.
func (r *Router) Generate(ctx context.Context, req domain.GenerateRequest, onDelta func(string)) (domain.GenerateResult, error) {
	if req.Byok == nil || req.Byok.Key == "" {
		if r.platform == nil {
			return domain.GenerateResult{}, ErrNoPlatformKey
		}
		if req.ModelID == "" || req.ModelID == domain.ModelBYOK {
			req.ModelID = r.cfg.ByokAnthropicModel
		}
		return r.platform.Generate(ctx, req, onDelta)
	}

	cred := NormalizeByok(*req.Byok, r.cfg)
	req.ModelID = cred.ModelID
	r.log.Debug("byok call", slog.String("provider", string(cred.Provider)), slog.String("model", cred.ModelID))

	if cred.Provider == domain.ByokOpenRouter {
		return r.openRouter(cred.Key).Generate(ctx, req, onDelta)
	}
	return r.anthropic(cred.Key).Generate(ctx, req, onDelta)
}

// NormalizeByok fills the provider from the key prefix and replaces model
// ids the provider cannot serve with the configured default. Unknown key
// prefixes are treated as Anthropic keys.
func NormalizeByok(cred domain.ByokCredential, cfg Config) domain.ByokCredential {
	if p, ok := domain.DetectByokProvider(cred.Key); ok {
		cred.Provider = p
	} else {
		cred.Provider = domain.ByokAnthropic
	}

	switch cred.Provider {
	case domain.ByokOpenRouter:
		if !domain.IsOpenRouterModel(cred.ModelID) {
			cred.ModelID = orDefault(cfg.ByokOpenRouterModel, domain.DefaultOpenRouterModel)
		}
	default:
		if _, ok := domain.LookupModel(cred.ModelID); !ok {
			cred.ModelID = orDefault(cfg.ByokAnthropicModel, domain.ModelHaiku)
		}
	}
	return cred
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
