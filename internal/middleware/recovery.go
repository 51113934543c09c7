package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	apperrors "github.com/aditya/tow-dispatch/internal/errors"
	"github.com/aditya/tow-dispatch/pkg/utils"
)

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						slog.Any("panic", err),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())),
					)
					utils.Error(w, apperrors.InternalError("an unexpected error occurred"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
