package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/executor"
)

const (
	envPrefix      = "WF_"
	maxOutputBytes = 64 << 10
	waitDelay      = 5 * time.Second
)

// ShellCommandHandler runs workflow scripts that live under a base directory
type ShellCommandHandler struct {
	logger *zap.Logger
	dir    string
	logs   *executor.LogManager
}

// NewShellCommandHandler creates a handler for scripts under dir. logs may be nil.
func NewShellCommandHandler(dir string, logs *executor.LogManager, logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell"),
		dir:    dir,
		logs:   logs,
	}
}

// Validate checks that the script exists and stays inside the workflow directory
func (h *ShellCommandHandler) Validate(target string) error {
	path, err := h.resolve(target)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("workflow file not found: %s", target)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("workflow is not a regular file: %s", target)
	}
	return nil
}

// Run executes the script. Variables are exported as WF_<NAME> environment
// variables and the script's stdout is returned as the "output" result.
func (h *ShellCommandHandler) Run(ctx context.Context, target string, variables map[string]any) (map[string]any, error) {
	path, err := h.resolve(target)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("workflow file not found: %s", target)
	}

	var cmd *exec.Cmd
	if info.Mode()&0111 != 0 {
		cmd = exec.CommandContext(ctx, path)
	} else {
		cmd = exec.CommandContext(ctx, "sh", path)
	}
	cmd.Dir = h.dir
	cmd.WaitDelay = waitDelay

	executionID := executor.ExecutionIDFrom(ctx)
	cmd.Env = append(os.Environ(), variableEnv(variables)...)
	if executionID != "" {
		cmd.Env = append(cmd.Env, envPrefix+"EXECUTION_ID="+executionID)
	}

	stdout := &tailBuffer{limit: maxOutputBytes}
	stderr := &tailBuffer{limit: maxOutputBytes}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if h.logs != nil && executionID != "" {
		cmd.Stdout = io.MultiWriter(stdout, h.logs.Writer(executionID, "info"))
		cmd.Stderr = io.MultiWriter(stderr, h.logs.Writer(executionID, "error"))
	}

	h.logger.Info("Executing shell command",
		zap.String("execution_id", executionID),
		zap.String("script", path))

	err = cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return nil, fmt.Errorf("exit status %d", exitErr.ExitCode())
			}
			return nil, fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("failed to run %s: %w", target, err)
	}

	return map[string]any{
		"exit_code": 0,
		"output":    strings.TrimSpace(stdout.String()),
	}, nil
}

func (h *ShellCommandHandler) resolve(target string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(target))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the workflow directory", executor.ErrInvalidRef, target)
	}
	return filepath.Join(h.dir, clean), nil
}

// variableEnv renders workflow variables as sorted WF_<NAME>=value pairs.
// Non-string values are JSON encoded.
func variableEnv(variables map[string]any) []string {
	env := make([]string, 0, len(variables))
	for k, v := range variables {
		name := envPrefix + strings.ToUpper(strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			}
			return '_'
		}, k))

		var value string
		switch val := v.(type) {
		case string:
			value = val
		case nil:
		default:
			data, err := json.Marshal(val)
			if err != nil {
				value = fmt.Sprint(val)
			} else {
				value = string(data)
			}
		}
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return b.buf.String()
}
