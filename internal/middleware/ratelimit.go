package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter per client and route kept in Redis,
// so every replica shares the budget. Redis errors let the request through.
type RateLimiter struct {
	redis    *redis.Client
	requests int
	window   time.Duration
	logger   *slog.Logger
}

func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redis:    redisClient,
		requests: requests,
		window:   window,
		logger:   logger,
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("ratelimit:%s:%s", clientIP(r), r.Method+" "+r.URL.Path)

		allowed, remaining, err := rl.isAllowed(r.Context(), key)
		if err != nil {
			rl.logger.Warn("rate limiter unavailable", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requests))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			utils.Error(w, apperrors.NewAPIError("rate_limit_exceeded", "too many requests, please try again later", http.StatusTooManyRequests))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) isAllowed(ctx context.Context, key string) (bool, int, error) {
	pipe := rl.redis.Pipeline()

	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return true, rl.requests, err
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= rl.requests, remaining, nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
