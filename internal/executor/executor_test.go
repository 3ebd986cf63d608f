package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubHandler struct {
	target    string
	variables map[string]any
	err       error
	invalid   error
}

func (h *stubHandler) Run(ctx context.Context, target string, variables map[string]any) (map[string]any, error) {
	h.target = target
	h.variables = variables
	if h.err != nil {
		return nil, h.err
	}
	return map[string]any{"execution_id": ExecutionIDFrom(ctx)}, nil
}

func (h *stubHandler) Validate(string) error {
	return h.invalid
}

type plainHandler struct{}

func (plainHandler) Run(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref    string
		scheme string
		target string
	}{
		{"flows/backup.sh", "shell", "flows/backup.sh"},
		{"shell:flows/backup.sh", "shell", "flows/backup.sh"},
		{"container:alpine:3.19", "container", "alpine:3.19"},
		{"http:https://flows.example.com/run", "http", "https://flows.example.com/run"},
		{"https://flows.example.com/run", "shell", "https://flows.example.com/run"},
		{"C:/flows/job.sh", "shell", "C:/flows/job.sh"},
		{"  shell:trim.sh ", "shell", "trim.sh"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			scheme, target, err := ParseRef(tt.ref, "shell")
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.target, target)
		})
	}

	_, _, err := ParseRef("shell:", "shell")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, _, err = ParseRef("", "shell")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestRegistry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	logs, err := NewLogManager(LogConfig{LogDir: t.TempDir()}, logger)
	require.NoError(t, err)
	defer logs.Stop()

	shell := &stubHandler{}
	registry := NewRegistry("shell", logs, logger)
	registry.RegisterHandler("shell", shell)
	registry.RegisterHandler("noop", plainHandler{})

	assert.Equal(t, []string{"noop", "shell"}, registry.Schemes())

	t.Run("resolve", func(t *testing.T) {
		assert.NoError(t, registry.Resolve("backup.sh"))
		assert.NoError(t, registry.Resolve("noop:anything"))
		assert.ErrorIs(t, registry.Resolve("ftp:file"), ErrUnknownScheme)

		shell.invalid = errors.New("workflow file not found")
		defer func() { shell.invalid = nil }()
		assert.ErrorContains(t, registry.Resolve("shell:missing.sh"), "workflow file not found")
	})

	t.Run("execute routes to handler", func(t *testing.T) {
		ctx := WithExecutionID(context.Background(), "exec-9")
		result, err := registry.Execute(ctx, "shell:nightly.sh", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, "nightly.sh", shell.target)
		assert.Equal(t, map[string]any{"a": 1}, shell.variables)
		assert.Equal(t, "exec-9", result["execution_id"])

		entries, err := logs.GetLogs("exec-9", time.Time{}, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "workflow started", entries[0].Message)
		assert.Equal(t, "workflow completed", entries[1].Message)
	})

	t.Run("execute failure is logged", func(t *testing.T) {
		shell.err = errors.New("exit status 1")
		defer func() { shell.err = nil }()

		ctx := WithExecutionID(context.Background(), "exec-10")
		_, err := registry.Execute(ctx, "nightly.sh", nil)
		assert.EqualError(t, err, "exit status 1")

		entries, err := logs.GetLogs("exec-10", time.Time{}, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "error", entries[1].Level)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := registry.Execute(context.Background(), "ftp:file", nil)
		assert.ErrorIs(t, err, ErrUnknownScheme)
	})
}

func TestFunc(t *testing.T) {
	var exec Executor = Func(func(_ context.Context, ref string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ref": ref}, nil
	})
	result, err := exec.Execute(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", result["ref"])
}
