package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"waste-sync/internal/metrics"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func LoggerMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.With(zap.String("component", "http"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			// route templates keep the label set bounded
			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).
				Observe(duration.Seconds())

			userID := GetUserID(r)
			if userID == "" {
				userID = "anonymous"
			}

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", duration),
				zap.String("user", userID),
			)
		})
	}
}
