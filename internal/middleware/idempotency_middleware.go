package middleware

import (
	"bytes"
	"net/http"
	"time"

	"waste-sync/internal/idempotency"
	"waste-sync/internal/metrics"

	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
)

type recordingWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// IdempotencyMiddleware answers a mutating request that repeats an earlier
// Idempotency-Key with the response recorded the first time. Keys are scoped
// per user. Server errors are not recorded so the client can retry them.
func IdempotencyMiddleware(store idempotency.Store, ttl time.Duration, log *zap.Logger) func(http.Handler) http.Handler {
	locker := idempotency.NewLocker()
	log = log.With(zap.String("component", "idempotency"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(IdempotencyHeader)
			if header == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := GetUserID(r) + ":" + header
			unlock := locker.Lock(key)
			defer unlock()

			rec, ok, err := store.Get(r.Context(), key)
			if err != nil {
				log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
			}
			if ok {
				metrics.IdempotentReplaysTotal.Inc()
				if rec.ContentType != "" {
					w.Header().Set("Content-Type", rec.ContentType)
				}
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(rec.StatusCode)
				w.Write(rec.Body)
				return
			}

			rw := &recordingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= http.StatusInternalServerError {
				return
			}

			err = store.Put(r.Context(), key, &idempotency.Record{
				StatusCode:  rw.statusCode,
				ContentType: rw.Header().Get("Content-Type"),
				Body:        rw.body.Bytes(),
				RecordedAt:  time.Now(),
			}, ttl)
			if err != nil {
				log.Warn("idempotency record failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

func GetIdempotencyKey(r *http.Request) string {
	return r.Header.Get(IdempotencyHeader)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
