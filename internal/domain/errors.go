package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Ledger errors
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("credit account not found")
	ErrInvalidAmount       = errors.New("amount must be positive")

	// Bout errors
	ErrBoutNotFound   = errors.New("bout not found")
	ErrBoutInProgress = errors.New("bout is already running")
	ErrBoutCompleted  = errors.New("bout has already completed")
	ErrPresetNotFound = errors.New("preset not found")
	ErrPromptTooLarge = errors.New("prompt exceeds model context limit")
	ErrAtCapacity     = errors.New("bout engine at capacity")
	ErrInvalidRequest = errors.New("invalid bout request")

	// Access errors
	ErrUnknownModel        = errors.New("unknown model")
	ErrModelNotAllowed     = errors.New("model not available on this tier")
	ErrTierRequired        = errors.New("a paid tier is required")
	ErrAPIAccessRequired   = errors.New("API access requires the lab tier")
	ErrResearchKeyRequired = errors.New("valid X-Research-Key header required")
	ErrDailyLimitReached   = errors.New("daily bout limit reached")

	// Shared capacity errors
	ErrFreePoolExhausted = errors.New("free bout pool exhausted for today")
	ErrRateLimited       = errors.New("rate limit exceeded")

	// Agent errors
	ErrAgentNotFound = errors.New("agent not found")
)

// ─── Provider Errors ────────────────────────────────────────────────────────

// ProviderError is a failed model call. StatusCode is the upstream HTTP
// status, zero when the call failed before a response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
