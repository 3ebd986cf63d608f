package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/flowsched/internal/model"
)

// Scheduler is the public surface of the engine
type Scheduler interface {
	// Start starts the dispatcher and supervisor loops
	Start(ctx context.Context) error

	// Stop stops both loops and waits for running executions until ctx ends
	Stop(ctx context.Context) error

	// AddSchedule validates and stores a schedule
	AddSchedule(schedule *model.Schedule) error

	// UpdateSchedule changes an existing schedule
	UpdateSchedule(id string, patch model.SchedulePatch) (*model.Schedule, error)

	// RemoveSchedule deletes a schedule
	RemoveSchedule(id string) error

	// GetSchedule gets a schedule by ID
	GetSchedule(id string) (*model.Schedule, error)

	// ListSchedules lists schedules, optionally only enabled ones
	ListSchedules(enabledOnly bool) []*model.Schedule

	// SubmitWorkflow queues an ad-hoc execution
	SubmitWorkflow(req SubmitRequest) (string, error)

	// CancelExecution cancels a pending, running or retrying execution
	CancelExecution(id string) (bool, error)

	// GetExecutionStatus returns an execution by ID
	GetExecutionStatus(ctx context.Context, id string) (*model.Execution, error)

	// ListExecutions retrieves executions based on filters
	ListExecutions(filters ExecutionFilters) []*model.Execution

	// Status reports both loops
	Status() EngineStatus
}

// SubmitRequest describes an ad-hoc execution
type SubmitRequest struct {
	WorkflowRef  string
	WorkflowID   string
	Variables    map[string]any
	Mode         model.ExecutionMode
	Dependencies []model.Dependency
	Resources    *model.ResourceRequirement
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// ExecutionFilters defines the filters for listing executions
type ExecutionFilters struct {
	Status     []model.ExecutionStatus
	WorkflowID string
	ScheduleID string
	Limit      int
	Offset     int
}

// WorkflowCatalog checks that a workflow reference can be executed
type WorkflowCatalog interface {
	Resolve(workflowRef string) error
}

// ScheduleBackend persists the full schedule set
type ScheduleBackend interface {
	Load() (map[string]*model.Schedule, error)
	Save(schedules map[string]*model.Schedule) error
}

// HistoryStore keeps terminal executions beyond the in-memory history
type HistoryStore interface {
	Record(ctx context.Context, e *model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, error)
}
