package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/executor"
	"github.com/t77yq/flowsched/internal/model"
	"github.com/t77yq/flowsched/internal/resource"
	"github.com/t77yq/flowsched/internal/storage"
)

// EngineOptions configures an Engine
type EngineOptions struct {
	Supervisor          SupervisorOptions
	Dispatcher          DispatcherOptions
	DefaultMaxInstances int

	// Capacity enables resource-constrained admission; nil disables it
	Capacity *model.ResourceRequirement
}

// EngineStatus combines the state of both loops
type EngineStatus struct {
	Dispatcher DispatcherStatus `json:"dispatcher"`
	Supervisor SupervisorStatus `json:"supervisor"`
}

// DispatcherStatus describes the schedule side of the engine
type DispatcherStatus struct {
	Running          bool `json:"running"`
	Schedules        int  `json:"schedules"`
	EnabledSchedules int  `json:"enabled_schedules"`
	InFlight         int  `json:"in_flight"`
}

// Engine wires the schedule store, dispatcher, ledger and supervisor together
type Engine struct {
	logger     *zap.Logger
	store      *ScheduleStore
	ledger     *resource.Ledger
	supervisor *ExecutionSupervisor
	dispatcher *ScheduleDispatcher
	history    HistoryStore
}

var _ Scheduler = (*Engine)(nil)

// NewEngine creates an engine. catalog, backend and history may be nil.
func NewEngine(exec executor.Executor, catalog WorkflowCatalog, backend ScheduleBackend, history HistoryStore, opts EngineOptions, logger *zap.Logger) (*Engine, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}

	store, err := NewScheduleStore(NewExpressionResolver(), catalog, backend, logger, opts.DefaultMaxInstances)
	if err != nil {
		return nil, err
	}

	var ledger *resource.Ledger
	if opts.Capacity != nil {
		ledger = resource.NewLedger(*opts.Capacity, logger)
	}

	supervisor := NewExecutionSupervisor(exec, ledger, opts.Supervisor, logger)
	dispatcher := NewScheduleDispatcher(store, supervisor, opts.Dispatcher, logger)

	e := &Engine{
		logger:     logger.Named("engine"),
		store:      store,
		ledger:     ledger,
		supervisor: supervisor,
		dispatcher: dispatcher,
		history:    history,
	}
	supervisor.OnStatusChange(e.handleStatusChange)

	return e, nil
}

// handleStatusChange keeps schedule statistics and durable history in step
// with terminal executions
func (e *Engine) handleStatusChange(exec *model.Execution) {
	if !exec.IsTerminal() {
		return
	}

	if exec.ScheduleID != "" && exec.Status != model.ExecutionStatusCancelled {
		success := exec.Status == model.ExecutionStatusCompleted
		if err := e.store.RecordOutcome(exec.ScheduleID, success); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			e.logger.Error("Failed to record schedule outcome",
				zap.String("schedule_id", exec.ScheduleID),
				zap.Error(err))
		}
	}

	if e.history != nil {
		if err := e.history.Record(context.Background(), exec); err != nil {
			e.logger.Error("Failed to record execution history",
				zap.String("execution_id", exec.ID),
				zap.Error(err))
		}
	}
}

// Start starts the supervisor and dispatcher loops
func (e *Engine) Start(ctx context.Context) error {
	if err := e.supervisor.Start(ctx); err != nil {
		return err
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		e.supervisor.Stop()
		return err
	}

	e.logger.Info("Engine started")
	return nil
}

// Stop stops polling, then waits for running executions until ctx ends.
// Status events raised before Stop returns have been delivered. The engine
// may be started again.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := e.dispatcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.supervisor.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.supervisor.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain executions: %w", err))
	}
	e.supervisor.Flush()

	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}

// Close releases the status notification goroutine. The engine cannot be
// restarted afterwards; call it once, after the final Stop.
func (e *Engine) Close() {
	e.supervisor.Close()
}

// AddSchedule validates and stores a schedule
func (e *Engine) AddSchedule(schedule *model.Schedule) error {
	return e.store.Add(schedule)
}

// UpdateSchedule changes an existing schedule
func (e *Engine) UpdateSchedule(id string, patch model.SchedulePatch) (*model.Schedule, error) {
	return e.store.Update(id, patch)
}

// RemoveSchedule deletes a schedule. Executions it already produced are unaffected.
func (e *Engine) RemoveSchedule(id string) error {
	return e.store.Remove(id)
}

// GetSchedule gets a schedule by ID
func (e *Engine) GetSchedule(id string) (*model.Schedule, error) {
	return e.store.Get(id)
}

// ListSchedules lists schedules ordered by ID
func (e *Engine) ListSchedules(enabledOnly bool) []*model.Schedule {
	return e.store.List(enabledOnly)
}

// SubmitWorkflow queues an ad-hoc execution
func (e *Engine) SubmitWorkflow(req SubmitRequest) (string, error) {
	resources := model.DefaultRequirement()
	if req.Resources != nil {
		resources = req.Resources.Clone()
	}

	return e.supervisor.Submit(&model.Execution{
		WorkflowID:   req.WorkflowID,
		WorkflowRef:  req.WorkflowRef,
		Mode:         req.Mode,
		Variables:    cloneMap(req.Variables),
		Dependencies: append([]model.Dependency(nil), req.Dependencies...),
		Resources:    resources,
		MaxRetries:   req.MaxRetries,
		Timeout:      req.Timeout,
		RetryDelay:   req.RetryDelay,
	})
}

// CancelExecution cancels a pending, running or retrying execution
func (e *Engine) CancelExecution(id string) (bool, error) {
	return e.supervisor.Cancel(id)
}

// GetExecutionStatus looks in memory first and then in durable history
func (e *Engine) GetExecutionStatus(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := e.supervisor.GetStatus(id)
	if err == nil || e.history == nil || !errors.Is(err, ErrExecutionNotFound) {
		return exec, err
	}

	exec, err = e.history.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution history: %w", err)
	}
	return exec, nil
}

// ListExecutions lists in-memory executions in submission order
func (e *Engine) ListExecutions(filters ExecutionFilters) []*model.Execution {
	all := e.supervisor.List(filters.Status...)

	matched := make([]*model.Execution, 0, len(all))
	for _, exec := range all {
		if filters.WorkflowID != "" && exec.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.ScheduleID != "" && exec.ScheduleID != filters.ScheduleID {
			continue
		}
		matched = append(matched, exec)
	}

	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return []*model.Execution{}
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched
}

// Status reports both loops
func (e *Engine) Status() EngineStatus {
	total, enabled := e.store.Counts()
	return EngineStatus{
		Dispatcher: DispatcherStatus{
			Running:          e.dispatcher.Running(),
			Schedules:        total,
			EnabledSchedules: enabled,
			InFlight:         e.supervisor.InFlightTotal(),
		},
		Supervisor: e.supervisor.Status(),
	}
}

// OnStatusChange registers a listener for execution transitions
func (e *Engine) OnStatusChange(listener StatusListener) {
	e.supervisor.OnStatusChange(listener)
}

// OnScheduleFired registers a listener for schedule fires
func (e *Engine) OnScheduleFired(listener FireListener) {
	e.dispatcher.OnFire(listener)
}

// SetLimits applies new concurrency limits while running. Values below 1 are ignored.
func (e *Engine) SetLimits(maxConcurrentWorkflows, maxConcurrentExecutions int) {
	e.supervisor.SetMaxConcurrentWorkflows(maxConcurrentWorkflows)
	e.dispatcher.SetMaxConcurrentExecutions(maxConcurrentExecutions)

	e.logger.Info("Concurrency limits updated",
		zap.Int("max_concurrent_workflows", maxConcurrentWorkflows),
		zap.Int("max_concurrent_executions", maxConcurrentExecutions))
}

// ResourceUsage reports the ledger, or nil when resource management is off
func (e *Engine) ResourceUsage() []resource.Usage {
	if e.ledger == nil {
		return nil
	}
	return e.ledger.Usage()
}
