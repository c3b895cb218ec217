package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// contextKey is used for storing the caller identity in context.
type contextKey string

const userContextKey contextKey = "user"

// anonymousUser identifies callers when auth is disabled (dev mode).
const anonymousUser = "anonymous"

// Middleware resolves the caller's identity from a bearer token and places
// it on the request context. With auth disabled the X-User-ID header is
// honored, falling back to a shared anonymous identity.
type Middleware struct {
	provider    *Provider
	enabled     bool
	publicPaths map[string]bool
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced
	Enabled bool

	// PublicPaths are paths that don't require authentication
	PublicPaths []string
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(provider *Provider, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}

	publicPaths := map[string]bool{
		"/health":  true,
		"/metrics": true,
	}
	for _, p := range cfg.PublicPaths {
		publicPaths[p] = true
	}

	return &Middleware{
		provider:    provider,
		enabled:     cfg.Enabled,
		publicPaths: publicPaths,
	}
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if !m.enabled || m.provider == nil {
			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				userID = anonymousUser
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.unauthorized(w, "missing authorization header")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			m.unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.provider.VerifyToken(r.Context(), token)
		if err != nil {
			m.unauthorized(w, "invalid token")
			return
		}
		if claims.IsExpired() {
			m.unauthorized(w, "token expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), claims.Subject)))
	})
}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserID extracts the caller identity from the request context.
func UserID(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey).(string)
	return userID
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="canvas-engine"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// PerClientRateLimiter limits requests per caller identity, falling back to
// the client IP when no identity is available.
type PerClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewPerClientRateLimiter creates a per-client rate limiter.
// rps is requests per second, burst is the maximum burst size.
func NewPerClientRateLimiter(rps float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (rl *PerClientRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Bound the map; a full reset is cheaper than LRU bookkeeping here.
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler returns the rate limiting middleware handler.
func (rl *PerClientRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := UserID(r.Context())
		if key == "" || key == anonymousUser {
			key = clientIP(r)
		}

		if !rl.getLimiter(key).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
			})
			slog.Warn("rate limit exceeded", slog.String("client", key))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
