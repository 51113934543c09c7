package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
	idempotencyLock   = 30 * time.Second
	idempotencyPrefix = "idempotency:"
)

// IdempotencyMiddleware replays the stored response when a command is retried
// with the same Idempotency-Key, so a client that lost the reply to an accept
// or assign gets the original answer instead of a conflict.
type IdempotencyMiddleware struct {
	redis  *redis.Client
	logger *slog.Logger
}

type cachedResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	BodyHash   string            `json:"body_hash"`
}

func NewIdempotencyMiddleware(redisClient *redis.Client, logger *slog.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{redis: redisClient, logger: logger}
}

// responseWriter captures the response for caching
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func (m *IdempotencyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
			next.ServeHTTP(w, r)
			return
		}

		idempotencyKey := r.Header.Get(IdempotencyHeader)
		if idempotencyKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			utils.BadRequest(w, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		// The route is part of the hash: one key reused on another job or
		// command is a conflict, not a replay.
		bodyHash := hashBody(r.Method, r.URL.Path, bodyBytes)
		cacheKey := idempotencyPrefix + idempotencyKey
		ctx := r.Context()

		cached, err := m.getCachedResponse(ctx, cacheKey)
		if err == nil {
			if cached.BodyHash != bodyHash {
				utils.Error(w, apperrors.IdempotencyConflict())
				return
			}

			for k, v := range cached.Headers {
				w.Header().Set(k, v)
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}

		lockKey := cacheKey + ":lock"
		locked, err := m.redis.SetNX(ctx, lockKey, "1", idempotencyLock).Result()
		if err != nil {
			m.logger.Warn("idempotency store unavailable", slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		if !locked {
			utils.Error(w, apperrors.NewAPIError("request_in_progress",
				"a request with this idempotency key is already being processed", http.StatusConflict))
			return
		}
		defer m.redis.Del(context.WithoutCancel(ctx), lockKey)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		// Protocol errors are answers too; a retried accept after a 410 must
		// still see the 410. Only server failures are left retryable.
		if rw.statusCode < http.StatusInternalServerError {
			cached := cachedResponse{
				StatusCode: rw.statusCode,
				Headers:    map[string]string{"Content-Type": rw.Header().Get("Content-Type")},
				Body:       rw.body.Bytes(),
				BodyHash:   bodyHash,
			}

			data, _ := json.Marshal(cached)
			if err := m.redis.Set(context.WithoutCancel(ctx), cacheKey, data, idempotencyTTL).Err(); err != nil {
				m.logger.Warn("idempotency response not stored", slog.Any("error", err))
			}
		}
	})
}

func (m *IdempotencyMiddleware) getCachedResponse(ctx context.Context, key string) (*cachedResponse, error) {
	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}

	return &cached, nil
}

func hashBody(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + " " + path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
