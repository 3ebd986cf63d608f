package model

import (
	"path"
	"strings"
	"time"
)

// ExecutionStatus represents the current status of an execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusRetrying  ExecutionStatus = "retrying"
)

// TimeoutMessage is the error message of an execution that exceeded its deadline
const TimeoutMessage = "execution timeout"

// ExecutionMode is recorded on submission; admission treats every mode the same way
type ExecutionMode string

const (
	ExecutionModeSequential        ExecutionMode = "sequential"
	ExecutionModeParallel          ExecutionMode = "parallel"
	ExecutionModeDependencyBased   ExecutionMode = "dependency_based"
	ExecutionModeResourceOptimized ExecutionMode = "resource_optimized"
)

// Valid reports whether the mode is one of the known modes
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeSequential, ExecutionModeParallel, ExecutionModeDependencyBased, ExecutionModeResourceOptimized:
		return true
	}
	return false
}

// DependencyKind is the outcome a dependency requires
type DependencyKind string

const (
	DependencySuccess    DependencyKind = "success"
	DependencyCompletion DependencyKind = "completion"
	DependencyFailure    DependencyKind = "failure"
)

// Valid reports whether the kind is one of the known kinds
func (k DependencyKind) Valid() bool {
	switch k {
	case DependencySuccess, DependencyCompletion, DependencyFailure:
		return true
	}
	return false
}

// Dependency declares that an execution waits for the most recent run of
// another workflow to reach the required outcome
type Dependency struct {
	DependsOnWorkflowID string         `json:"depends_on_workflow_id"`
	Kind                DependencyKind `json:"kind"`
}

// Execution represents one concrete run of a workflow
type Execution struct {
	ID          string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	WorkflowRef string          `json:"workflow_ref"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
	Mode        ExecutionMode   `json:"execution_mode"`
	Status      ExecutionStatus `json:"status"`

	Variables          map[string]any       `json:"variables,omitempty"`
	Dependencies       []Dependency         `json:"dependencies,omitempty"`
	Resources          ResourceRequirement  `json:"resources"`
	AllocatedResources *ResourceRequirement `json:"allocated_resources,omitempty"`

	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
	RetryDelay time.Duration `json:"retry_delay"`

	// Timing fields
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Outcome
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// IsTerminal reports whether the execution reached a final state
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusCancelled:
		return true
	case ExecutionStatusFailed:
		return e.RetryCount >= e.MaxRetries
	}
	return false
}

// Clone returns a deep copy of the execution
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Variables = cloneVariables(e.Variables)
	c.Result = cloneVariables(e.Result)
	if e.Dependencies != nil {
		c.Dependencies = append([]Dependency(nil), e.Dependencies...)
	}
	c.Resources = e.Resources.Clone()
	if e.AllocatedResources != nil {
		a := e.AllocatedResources.Clone()
		c.AllocatedResources = &a
	}
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

// WorkflowIDFromRef derives a workflow ID from a reference such as
// "shell:flows/backup.yaml" (-> "backup")
func WorkflowIDFromRef(ref string) string {
	target := ref
	if i := strings.Index(ref, ":"); i >= 0 && !strings.HasPrefix(ref[i:], "://") {
		target = ref[i+1:]
	}
	target = strings.TrimRight(target, "/")
	base := path.Base(target)
	if ext := path.Ext(base); isFileExt(ext) && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "." || base == "/" || base == "" {
		return ref
	}
	return base
}

func isFileExt(ext string) bool {
	if len(ext) < 2 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
