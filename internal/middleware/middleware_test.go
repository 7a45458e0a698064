package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"waste-sync/internal/domain"
	"waste-sync/internal/idempotency"
	"waste-sync/pkg/jwt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "middleware-test-secret"

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := jwt.GenerateToken(userID, role, time.Hour, testSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthMiddleware(t *testing.T) {
	var seen domain.Actor
	h := AuthMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetActor(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
		{"unknown role", bearer(t, "u1", "janitor"), http.StatusForbidden},
		{"valid", bearer(t, "worker-1", "worker"), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/waste-sales", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	assert.Equal(t, domain.Actor{UserID: "worker-1", Role: domain.RoleWorker}, seen)
}

func TestIdempotencyMiddlewareReplays(t *testing.T) {
	var calls int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	})

	store := idempotency.NewMemoryStore(nil)
	h := AuthMiddleware(testSecret)(IdempotencyMiddleware(store, time.Hour, zap.NewNop())(inner))
	auth := bearer(t, "worker-1", "worker")

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/waste-sales", strings.NewReader(`{}`))
		req.Header.Set("Authorization", auth)
		if key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send("op-1")
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.JSONEq(t, `{"call":1}`, first.Body.String())
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	replay := send("op-1")
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.JSONEq(t, `{"call":1}`, replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get(ReplayedHeader))
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))

	send("op-2")
	send("")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestIdempotencyMiddlewareScopesKeysPerUser(t *testing.T) {
	var calls int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	})
	h := AuthMiddleware(testSecret)(IdempotencyMiddleware(idempotency.NewMemoryStore(nil), time.Hour, zap.NewNop())(inner))

	for _, user := range []string{"worker-1", "worker-2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/reports", nil)
		req.Header.Set("Authorization", bearer(t, user, "worker"))
		req.Header.Set(IdempotencyHeader, "shared")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotencyMiddlewareSkipsServerErrors(t *testing.T) {
	var calls int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := IdempotencyMiddleware(idempotency.NewMemoryStore(nil), time.Hour, zap.NewNop())(inner)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPatch, "/api/waste-sales/t1/status", nil)
		req.Header.Set(IdempotencyHeader, "retry-me")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{503, 200, 200}, codes)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotencyMiddlewareIgnoresReads(t *testing.T) {
	var calls int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	h := IdempotencyMiddleware(idempotency.NewMemoryStore(nil), time.Hour, zap.NewNop())(inner)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		req.Header.Set(IdempotencyHeader, "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware("https://city.example", "GET,POST", "Content-Type,Authorization,Idempotency-Key")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

	req := httptest.NewRequest(http.MethodOptions, "/api/waste-sales", nil)
	req.Header.Set("Origin", "https://city.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://city.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")

	req = httptest.NewRequest(http.MethodGet, "/api/waste-sales", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
