package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/executor"
)

const maxErrorBody = 512

// HTTPRequestHandler triggers workflows hosted behind an HTTP endpoint. The
// target is the endpoint URL; variables are POSTed as a JSON object.
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. Deadlines come from
// the execution context, the client timeout is only a safety net.
func NewHTTPRequestHandler(timeout time.Duration, logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.Named("http"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Validate checks that the target is an absolute http(s) URL
func (h *HTTPRequestHandler) Validate(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", target, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: want http(s)://host/...", target)
	}
	return nil
}

// Run posts the variables and decodes the JSON response into the result
func (h *HTTPRequestHandler) Run(ctx context.Context, target string, variables map[string]any) (map[string]any, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	executionID := executor.ExecutionIDFrom(ctx)
	if executionID != "" {
		req.Header.Set("X-Execution-ID", executionID)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("execution_id", executionID),
		zap.String("url", target))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, msg)
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && json.Unmarshal(data, &decoded) == nil {
		for k, v := range decoded {
			result[k] = v
		}
		return result, nil
	}
	result["body"] = string(data)
	return result, nil
}
