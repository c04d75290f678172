// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces fixed-window per-client limits backed by redis.
// When redis is unreachable requests are allowed.
type RateLimiter struct {
	redis  redis.Scripter
	logger *zap.Logger
	config RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	RequestsPerMinute int                       `yaml:"requests_per_minute"`
	Window            time.Duration             `yaml:"window"`
	KeyPrefix         string                    `yaml:"key_prefix"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
}

// EndpointLimits overrides the limit for one method and path.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
	FailOpen   bool
}

// DefaultRateLimitConfig returns the stock limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 600,
		Window:            time.Minute,
		KeyPrefix:         "threatlens:ratelimit",
		Endpoints:         DefaultEndpointLimits(),
		IncludeHeaders:    true,
	}
}

// DefaultEndpointLimits returns endpoint-specific limits for the ingest API.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Batched telemetry counts as many requests.
		"POST:/api/v1/telemetry/batch": {
			Path:              "/api/v1/telemetry/batch",
			Method:            "POST",
			RequestsPerMinute: 600,
			CostMultiplier:    10,
		},
		"POST:/api/v1/scan": {
			Path:              "/api/v1/scan",
			Method:            "POST",
			RequestsPerMinute: 120,
			CostMultiplier:    1,
		},
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client redis.Scripter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "threatlens:ratelimit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:  client,
		logger: logger,
		config: cfg,
	}
}

// windowScript increments the counter, starts the window on first use and
// returns the count and the remaining window in milliseconds.
var windowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// Check counts one request from clientID against the limit for endpoint.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(endpoint, method)
	redisKey := fmt.Sprintf("%s:%s:%s", rl.config.KeyPrefix, clientID, endpoint)
	now := time.Now()

	if rl.redis == nil {
		return &RateLimitResult{Allowed: true, Limit: limit, FailOpen: true}, nil
	}

	vals, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return &RateLimitResult{Allowed: true, Limit: limit, FailOpen: true}, nil
	}

	current := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rl.config.Window
	}

	allowed := current <= limit
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware for rate limiting. getClientID may
// return "" to fall back to the request's client address.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = ClientIP(r)
			}

			result, err := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders && !result.FailOpen {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`,
					result.Reason, int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the originating client address of r: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
