package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tutu-network/pit/internal/domain"
)

// Header names read from every request.
const (
	HeaderUserID       = "X-User-ID"
	HeaderResearchKey  = "X-Research-Key"
	HeaderByokKey      = "X-Byok-Key"
	HeaderByokProvider = "X-Byok-Provider"
	HeaderByokModel    = "X-Byok-Model"
)

// Authenticator resolves the caller of a request. Identity is owned by an
// upstream gateway; the server only consumes it.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Caller, error)
}

// AccountProvisioner creates a credit account on first sight of a user.
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, userID string) (bool, error)
}

// HeaderAuth trusts the X-User-ID header set by the gateway in front of
// the server.
type HeaderAuth struct {
	Accounts AccountProvisioner
}

// Authenticate implements Authenticator.
func (a HeaderAuth) Authenticate(r *http.Request) (domain.Caller, error) {
	c := domain.Caller{
		UserID:      strings.TrimSpace(r.Header.Get(HeaderUserID)),
		ClientID:    clientIP(r),
		ResearchKey: strings.TrimSpace(r.Header.Get(HeaderResearchKey)),
		Byok:        byokFromHeaders(r.Header),
		RequestID:   middleware.GetReqID(r.Context()),
	}
	if c.UserID != "" && a.Accounts != nil {
		if _, err := a.Accounts.EnsureAccount(r.Context(), c.UserID); err != nil {
			return domain.Caller{}, err
		}
	}
	return c, nil
}

// byokFromHeaders reads a BYOK credential. The provider falls back to the
// key prefix when the header is absent.
func byokFromHeaders(h http.Header) *domain.ByokCredential {
	key := strings.TrimSpace(h.Get(HeaderByokKey))
	if key == "" {
		return nil
	}
	cred := &domain.ByokCredential{
		Key:     key,
		ModelID: strings.TrimSpace(h.Get(HeaderByokModel)),
	}
	switch p := domain.ByokProvider(strings.ToLower(strings.TrimSpace(h.Get(HeaderByokProvider)))); p {
	case domain.ByokAnthropic, domain.ByokOpenRouter:
		cred.Provider = p
	default:
		cred.Provider, _ = domain.DetectByokProvider(key)
	}
	return cred
}

// clientIP is the rate-limit identity. RealIP has already replaced
// RemoteAddr with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// caller authenticates r, writing the error response on failure.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	c, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Error("authenticate", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.")
		return domain.Caller{}, false
	}
	return c, true
}

// signedIn authenticates r and requires a user id.
func (s *Server) signedIn(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	c, ok := s.caller(w, r)
	if !ok {
		return c, false
	}
	if c.UserID == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return c, false
	}
	return c, true
}
