package middleware

import (
	"net/http"
	"time"

	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap/zapcore"
)

// probePaths are polled by orchestrators and logged at debug only
var probePaths = map[string]bool{"/health": true, "/ready": true, "/metrics": true}

// Logger logs one line per request. Server errors log at error level, client errors
// at warn.
func Logger(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				level := zapcore.InfoLevel
				switch {
				case status >= 500:
					level = zapcore.ErrorLevel
				case status >= 400:
					level = zapcore.WarnLevel
				case probePaths[r.URL.Path]:
					level = zapcore.DebugLevel
				}

				if ce := log.Check(level, "HTTP request"); ce != nil {
					ce.Write(
						logger.String("method", r.Method),
						logger.String("path", r.URL.Path),
						logger.String("route", routePattern(r)),
						logger.Int("status", status),
						logger.Int("bytes", ww.BytesWritten()),
						logger.Duration("duration", time.Since(start)),
						logger.String("remote_addr", r.RemoteAddr),
						logger.String("request_id", middleware.GetReqID(r.Context())),
					)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
