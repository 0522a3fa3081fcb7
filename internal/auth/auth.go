// Package auth provides shared-secret API key validation middleware for the
// ops gateway. One process-wide key gates every privileged route; there are
// no sessions, no expiry, and no per-caller identity.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/ops-gateway/internal/apierror"
	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/metrics"
)

// Result classifies one authentication attempt. Deny reasons are kept
// distinct so "no key configured" is distinguishable in logs from "caller
// omitted key".
type Result int

const (
	Allow Result = iota
	DenyNotConfigured
	DenyMissingKey
	DenyBadKey
)

// Gate validates the shared API key. The expected key is read once at
// construction; an empty key fails closed.
type Gate struct {
	key    []byte
	header string
}

// New creates a Gate from the auth configuration. Keys are compared after
// trimming surrounding whitespace, matching the behavior of the services
// this gateway fronts.
func New(cfg config.AuthConfig) *Gate {
	return &Gate{
		key:    []byte(strings.TrimSpace(cfg.APIKey)),
		header: cfg.Header,
	}
}

// Header returns the request header the key is expected in.
func (g *Gate) Header() string { return g.header }

// Configured reports whether an expected key is set.
func (g *Gate) Configured() bool { return len(g.key) > 0 }

// Authenticate checks a presented key. Allow only on an exact, case-sensitive
// match; the comparison is constant-time to avoid a timing side channel.
func (g *Gate) Authenticate(presented string) Result {
	if !g.Configured() {
		return DenyNotConfigured
	}
	p := strings.TrimSpace(presented)
	if p == "" {
		return DenyMissingKey
	}
	if subtle.ConstantTimeCompare([]byte(p), g.key) == 1 {
		return Allow
	}
	return DenyBadKey
}

// Middleware returns an HTTP middleware that rejects requests without a
// valid API key. The 401 body never reveals whether a key is configured.
func (g *Gate) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch g.Authenticate(r.Header.Get(g.header)) {
			case Allow:
				next.ServeHTTP(w, r)
			case DenyNotConfigured:
				logger.Error("authentication failed: no API key configured", "path", r.URL.Path)
				metrics.AuthFailures.WithLabelValues("not_configured").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingKey, "API key required")
			case DenyMissingKey:
				logger.Warn("authentication failed: no API key provided", "path", r.URL.Path)
				metrics.AuthFailures.WithLabelValues("missing_key").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingKey, "API key required")
			default:
				logger.Warn("authentication failed: invalid API key", "path", r.URL.Path)
				metrics.AuthFailures.WithLabelValues("invalid_key").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidKey, "invalid API key")
			}
		})
	}
}
