package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowsched/internal/executor"
)

func TestHTTPRequestHandler_Validate(t *testing.T) {
	h := NewHTTPRequestHandler(time.Second, zaptest.NewLogger(t))

	assert.NoError(t, h.Validate("https://flows.example.com/run/backup"))
	assert.NoError(t, h.Validate("http://127.0.0.1:8080/hook"))
	assert.Error(t, h.Validate("ftp://example.com/file"))
	assert.Error(t, h.Validate("/relative/path"))
	assert.Error(t, h.Validate("http://"))
}

func TestHTTPRequestHandler_Run(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("posts variables and decodes json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "exec-7", r.Header.Get("X-Execution-ID"))

			var vars map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&vars))
			assert.Equal(t, "eu-west", vars["region"])

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"rows": 42})
		}))
		defer server.Close()

		h := NewHTTPRequestHandler(time.Second, logger)
		ctx := executor.WithExecutionID(context.Background(), "exec-7")
		result, err := h.Run(ctx, server.URL, map[string]any{"region": "eu-west"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result["status_code"])
		assert.Equal(t, float64(42), result["rows"])
	})

	t.Run("plain body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("accepted"))
		}))
		defer server.Close()

		h := NewHTTPRequestHandler(time.Second, logger)
		result, err := h.Run(context.Background(), server.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, "accepted", result["body"])
	})

	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		}))
		defer server.Close()

		h := NewHTTPRequestHandler(time.Second, logger)
		_, err := h.Run(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
		assert.Contains(t, err.Error(), "upstream down")
	})

	t.Run("context deadline", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		h := NewHTTPRequestHandler(10*time.Second, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := h.Run(ctx, server.URL, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
