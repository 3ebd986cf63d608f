package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor runs one workflow to completion. It must honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, workflowRef string, variables map[string]any) (map[string]any, error)
}

// Func adapts a plain function to Executor
type Func func(ctx context.Context, workflowRef string, variables map[string]any) (map[string]any, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, workflowRef string, variables map[string]any) (map[string]any, error) {
	return f(ctx, workflowRef, variables)
}

// Handler runs workflows of one scheme. target is the ref with its scheme removed.
type Handler interface {
	Run(ctx context.Context, target string, variables map[string]any) (map[string]any, error)
}

// Validator is implemented by handlers that can check a target before it is scheduled
type Validator interface {
	Validate(target string) error
}

// Registry routes workflow refs of the form "<scheme>:<target>" to handlers.
// It serves both as the Executor and as the workflow catalog.
type Registry struct {
	logger        *zap.Logger
	defaultScheme string
	logs          *LogManager

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry. logs may be nil.
func NewRegistry(defaultScheme string, logs *LogManager, logger *zap.Logger) *Registry {
	return &Registry{
		logger:        logger.Named("executor"),
		defaultScheme: defaultScheme,
		logs:          logs,
		handlers:      make(map[string]Handler),
	}
}

// RegisterHandler registers a handler for a scheme
func (r *Registry) RegisterHandler(scheme string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[scheme] = handler
}

// Schemes returns the registered schemes
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.handlers))
	for scheme := range r.handlers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Resolve checks that ref names a registered scheme and, when the handler
// supports it, a valid target
func (r *Registry) Resolve(ref string) error {
	handler, target, err := r.lookup(ref)
	if err != nil {
		return err
	}
	if v, ok := handler.(Validator); ok {
		if err := v.Validate(target); err != nil {
			return fmt.Errorf("failed to validate %s: %w", ref, err)
		}
	}
	return nil
}

// Execute runs the workflow through the handler registered for its scheme
func (r *Registry) Execute(ctx context.Context, ref string, variables map[string]any) (map[string]any, error) {
	handler, target, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}

	executionID := ExecutionIDFrom(ctx)
	start := time.Now()
	r.record(executionID, "info", "workflow started", map[string]any{"workflow_ref": ref})

	result, err := handler.Run(ctx, target, variables)
	duration := time.Since(start)

	if err != nil {
		r.record(executionID, "error", err.Error(), map[string]any{"duration": duration.String()})
		r.logger.Warn("Workflow failed",
			zap.String("execution_id", executionID),
			zap.String("workflow_ref", ref),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	r.record(executionID, "info", "workflow completed", map[string]any{"duration": duration.String()})
	r.logger.Info("Workflow completed",
		zap.String("execution_id", executionID),
		zap.String("workflow_ref", ref),
		zap.Duration("duration", duration))
	return result, nil
}

func (r *Registry) lookup(ref string) (Handler, string, error) {
	scheme, target, err := ParseRef(ref, r.defaultScheme)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	handler, ok := r.handlers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return handler, target, nil
}

func (r *Registry) record(executionID, level, message string, data map[string]any) {
	if r.logs == nil || executionID == "" {
		return
	}
	r.logs.AddLogEntry(executionID, LogEntry{
		Timestamp:   time.Now(),
		Level:       level,
		ExecutionID: executionID,
		Message:     message,
		Data:        data,
	})
}

// ParseRef splits a workflow reference into scheme and target. A ref without
// a scheme, or whose colon starts a URL authority ("https://..."), uses defaultScheme.
func ParseRef(ref, defaultScheme string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	scheme, target := defaultScheme, ref

	if i := strings.Index(ref, ":"); i > 1 && isScheme(ref[:i]) && !strings.HasPrefix(ref[i+1:], "//") {
		scheme, target = ref[:i], ref[i+1:]
	}
	if target == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return scheme, target, nil
}

func isScheme(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

type executionIDKey struct{}

// WithExecutionID attaches an execution ID to ctx
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionIDFrom returns the execution ID attached to ctx, if any
func ExecutionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}
