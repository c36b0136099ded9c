package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc derives the limiter key for an inbound request.
type KeyFunc func(*http.Request) string

// MiddlewareConfig configures the HTTP gate.
type MiddlewareConfig struct {
	Limiter *Limiter
	Policy  Policy

	// PolicySource, when set, is consulted per request instead of Policy,
	// so live config reloads take effect without a restart.
	PolicySource PolicySource

	// KeyFunc defaults to the client IP.
	KeyFunc KeyFunc

	// SkipSuccessful refunds the token when the wrapped handler responded
	// with a non-error status. SkipFailed refunds on 5xx responses.
	SkipSuccessful bool
	SkipFailed     bool
}

// Middleware wraps a handler with rate-limit gating. It attaches the
// X-RateLimit-* headers on every response and short-circuits denied requests
// with 429.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			policy := cfg.Policy
			if cfg.PolicySource != nil {
				policy = cfg.PolicySource()
			}

			res, err := cfg.Limiter.Check(r.Context(), key, policy)
			if err != nil {
				// Misconfigured policy; do not gate.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(time.RFC3339))

			if !res.Allowed {
				retryAfter := int(time.Until(res.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":               "rate limit exceeded",
					"retry_after_seconds": retryAfter,
				})
				return
			}

			if !cfg.SkipSuccessful && !cfg.SkipFailed {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if (cfg.SkipSuccessful && rec.status < 400) ||
				(cfg.SkipFailed && rec.status >= 500) {
				cfg.Limiter.Refund(r.Context(), key, policy)
			}
		})
	}
}

// ClientIP is the default key function: X-Forwarded-For when present,
// otherwise the remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return "ip:" + fwd[:i]
			}
		}
		return "ip:" + fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
