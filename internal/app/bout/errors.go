package bout

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// Error is a bout failure with an HTTP status and a caller-facing message.
// Err keeps the cause for errors.Is and logs; it is never shown to callers.
type Error struct {
	Status  int
	Message string
	Reason  string // metric label
	Err     error

	// Limit and ResetAt are set on rate-limit rejections.
	Limit   int
	ResetAt time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// reject builds a pre-start rejection and counts it.
func reject(status int, reason string, err error, msg string) *Error {
	observability.BoutsRejected.WithLabelValues(reason).Inc()
	return &Error{Status: status, Message: msg, Reason: reason, Err: err}
}

// ─── Failure Classification ─────────────────────────────────────────────────

// FailureClass is the caller-visible category of a failed bout.
type FailureClass string

const (
	FailureTimeout     FailureClass = "timeout"
	FailureRateLimited FailureClass = "rate_limited"
	FailureOverloaded  FailureClass = "overloaded"
	FailureCancelled   FailureClass = "cancelled"
	FailureInternal    FailureClass = "internal"
)

// Status is the HTTP status for the class.
func (c FailureClass) Status() int {
	switch c {
	case FailureTimeout:
		return http.StatusGatewayTimeout
	case FailureRateLimited:
		return http.StatusTooManyRequests
	case FailureOverloaded:
		return http.StatusServiceUnavailable
	case FailureCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Message is the text shown to the caller in the stream's error event.
func (c FailureClass) Message() string {
	switch c {
	case FailureTimeout:
		return "The bout timed out. Try a shorter length or fewer turns."
	case FailureRateLimited:
		return "API rate limited. Please wait a moment and try again."
	case FailureOverloaded:
		return "The model is overloaded. Please try again shortly."
	case FailureCancelled:
		return "The bout was cancelled."
	default:
		return "The arena short-circuited."
	}
}

// statusOverloaded is Anthropic's non-standard overload status.
const statusOverloaded = 529

// Classify maps a turn-loop error to a failure class. Provider status codes
// win; message matching is the fallback for providers that only report
// text.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case http.StatusTooManyRequests:
			return FailureRateLimited
		case statusOverloaded, http.StatusServiceUnavailable:
			return FailureOverloaded
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return FailureTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return FailureTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "429"):
		return FailureRateLimited
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "529"):
		return FailureOverloaded
	}
	return FailureInternal
}

// failure wraps a turn-loop error in a classified *Error.
func failure(err error) *Error {
	class := Classify(err)
	observability.ProviderErrors.WithLabelValues(string(class)).Inc()
	return &Error{Status: class.Status(), Message: class.Message(), Reason: string(class), Err: err}
}
