package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/syncop"
)

func writeEnvelope(w http.ResponseWriter, status int, data any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": status < 400,
		"data":    data,
		"error":   errMsg,
	})
}

func TestExecute_SendsOperation(t *testing.T) {
	var gotMethod, gotPath, gotKey, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, http.StatusCreated, map[string]any{"id": "tx-1"}, "")
	}))
	defer srv.Close()

	op, err := syncop.NewOperation("op-1", syncop.CreateWasteSale{
		RecyclerID: "rec-1", WasteType: "plastic", WeightKg: 10, PricePerKg: 15,
	}, time.Now())
	require.NoError(t, err)

	client := New(srv.URL, "token-123")
	require.NoError(t, client.Execute(context.Background(), op))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/waste-sales", gotPath)
	assert.Equal(t, "op-1", gotKey)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, 10.0, gotBody["weightKg"])
}

func TestExecute_DeleteHasNoBody(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/reports/r-1", r.URL.Path)
		writeEnvelope(w, http.StatusOK, nil, "")
	}))
	defer srv.Close()

	op, err := syncop.NewOperation("op-2", syncop.ResourceChange{Op: syncop.KindDelete, Resource: "reports", ID: "r-1"}, time.Now())
	require.NoError(t, err)

	require.NoError(t, New(srv.URL, "").Execute(context.Background(), op))
	assert.Empty(t, body)
}

func TestExecute_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad code", http.StatusForbidden, false},
		{"validation", http.StatusBadRequest, false},
		{"terminal state", http.StatusConflict, false},
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"throttled", http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tt.status, nil, "boom")
			}))
			defer srv.Close()

			op, _ := syncop.NewOperation("op", syncop.ReissueVerificationCode{TransactionID: "tx"}, time.Now())
			err := New(srv.URL, "").Execute(context.Background(), op)
			require.Error(t, err)

			var httpErr *apperrors.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, "boom", httpErr.Message)
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
		})
	}
}

func TestExecute_NetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	op, _ := syncop.NewOperation("op", syncop.ReissueVerificationCode{TransactionID: "tx"}, time.Now())
	err := New(url, "").Execute(context.Background(), op)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestExecute_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	op, _ := syncop.NewOperation("op", syncop.ReissueVerificationCode{TransactionID: "tx"}, time.Now())
	err := New(srv.URL, "").Execute(ctx, op)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		data    any
		wantErr bool
	}{
		{"healthy", http.StatusOK, map[string]any{"status": "ok", "database": "connected"}, false},
		{"database down still reachable", http.StatusOK, map[string]any{"status": "degraded", "database": "disconnected"}, false},
		{"no database field", http.StatusOK, map[string]any{"status": "ok"}, true},
		{"unavailable", http.StatusServiceUnavailable, map[string]any{"database": "disconnected"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/health", r.URL.Path)
				writeEnvelope(w, tt.status, tt.data, "")
			}))
			defer srv.Close()

			err := New(srv.URL, "").Health(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stats":
			writeEnvelope(w, http.StatusOK, map[string]any{"total": 2}, "")
		case "/api/waste-sales":
			writeEnvelope(w, http.StatusOK, []map[string]any{{"id": "tx-1"}}, "")
		default:
			writeEnvelope(w, http.StatusNotFound, nil, "not found")
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "t")

	data, err := client.Fetch(context.Background(), "stats")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":2}`, string(data))

	data, err = client.Fetch(context.Background(), "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"tx-1"}]`, string(data))

	_, err = client.Fetch(context.Background(), "reports")
	assert.Error(t, err)

	_, err = client.Fetch(context.Background(), "unknown")
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalid))
}
