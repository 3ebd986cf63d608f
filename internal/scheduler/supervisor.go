package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/executor"
	"github.com/t77yq/flowsched/internal/model"
	"github.com/t77yq/flowsched/internal/resource"
)

const timeoutMessage = model.TimeoutMessage

// SupervisorOptions configures an ExecutionSupervisor
type SupervisorOptions struct {
	MaxConcurrentWorkflows int
	PollInterval           time.Duration
	DefaultTimeout         time.Duration
	DefaultRetryDelay      time.Duration
	HistoryLimit           int
	RetryStrategy          RetryStrategy
	FaultBackoff           time.Duration
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.MaxConcurrentWorkflows < 1 {
		o.MaxConcurrentWorkflows = DefaultMaxConcurrentWorkflows
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.DefaultRetryDelay <= 0 {
		o.DefaultRetryDelay = DefaultRetryDelay
	}
	if o.HistoryLimit < 1 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.RetryStrategy == nil {
		o.RetryStrategy = FixedDelay{}
	}
	if o.FaultBackoff <= 0 {
		o.FaultBackoff = supervisorFaultBackoff
	}
	return o
}

// SupervisorStatus is a point-in-time view of the supervisor
type SupervisorStatus struct {
	Running                bool             `json:"running"`
	Pending                int              `json:"pending"`
	Active                 int              `json:"active"`
	Retrying               int              `json:"retrying"`
	History                int              `json:"history"`
	MaxConcurrentWorkflows int              `json:"max_concurrent_workflows"`
	Resources              []resource.Usage `json:"resources,omitempty"`
}

// run is an admitted execution
type run struct {
	exec      *model.Execution
	ctx       context.Context
	cancel    context.CancelFunc
	ref       string
	variables map[string]any
	snapshot  *model.ResourceRequirement
}

type retryEntry struct {
	exec  *model.Execution
	timer *time.Timer
}

type outcome struct {
	result map[string]any
	err    error
}

// ExecutionSupervisor admits pending executions under concurrency, dependency
// and resource constraints, runs them and applies the retry policy
type ExecutionSupervisor struct {
	logger   *zap.Logger
	executor executor.Executor
	ledger   *resource.Ledger
	deps     *DependencyResolver
	opts     SupervisorOptions
	notifier *notifier
	now      func() time.Time

	mu            sync.Mutex
	pending       pendingQueue
	active        map[string]*run
	retrying      map[string]*retryEntry
	history       []*model.Execution
	index         map[string]*model.Execution
	maxConcurrent int
	running       bool
	stop          chan struct{}
	done          chan struct{}

	runs sync.WaitGroup
}

// NewExecutionSupervisor creates a supervisor. ledger may be nil, in which
// case admission ignores resources.
func NewExecutionSupervisor(exec executor.Executor, ledger *resource.Ledger, opts SupervisorOptions, logger *zap.Logger) *ExecutionSupervisor {
	opts = opts.withDefaults()
	logger = logger.Named("supervisor")

	return &ExecutionSupervisor{
		logger:        logger,
		executor:      exec,
		ledger:        ledger,
		deps:          NewDependencyResolver(),
		opts:          opts,
		notifier:      newNotifier(logger),
		now:           time.Now,
		active:        make(map[string]*run),
		retrying:      make(map[string]*retryEntry),
		index:         make(map[string]*model.Execution),
		maxConcurrent: opts.MaxConcurrentWorkflows,
	}
}

// OnStatusChange registers a listener invoked after every status transition.
// Listeners run on a single goroutine in transition order.
func (s *ExecutionSupervisor) OnStatusChange(listener StatusListener) {
	s.notifier.subscribe(listener)
}

// Submit validates and queues an execution. The execution ID is returned and
// written back to e.
func (s *ExecutionSupervisor) Submit(e *model.Execution) (string, error) {
	if e == nil {
		return "", invalid("execution", "must not be nil")
	}

	candidate := e.Clone()
	if err := s.prepare(candidate); err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.index[candidate.ID]; exists {
		s.mu.Unlock()
		return "", invalid("execution_id", fmt.Sprintf("%s already exists", candidate.ID))
	}
	s.index[candidate.ID] = candidate
	s.pending.Push(candidate)
	event := candidate.Clone()
	s.notifier.push(event)
	s.mu.Unlock()

	*e = *event.Clone()

	s.logger.Info("Execution submitted",
		zap.String("execution_id", candidate.ID),
		zap.String("workflow_id", candidate.WorkflowID),
		zap.String("mode", string(candidate.Mode)))

	return candidate.ID, nil
}

func (s *ExecutionSupervisor) prepare(e *model.Execution) error {
	if e.WorkflowRef == "" && e.WorkflowID == "" {
		return invalid("workflow_ref", "must not be empty")
	}
	if e.WorkflowRef == "" {
		e.WorkflowRef = e.WorkflowID
	}
	if e.WorkflowID == "" {
		e.WorkflowID = model.WorkflowIDFromRef(e.WorkflowRef)
	}
	if e.Mode == "" {
		e.Mode = model.ExecutionModeDependencyBased
	}
	if !e.Mode.Valid() {
		return invalid("execution_mode", fmt.Sprintf("unknown mode %q", e.Mode))
	}
	if err := validateDependencies(e.Dependencies); err != nil {
		return err
	}
	if name, negative := e.Resources.Negative(); negative {
		return invalid("resources", fmt.Sprintf("%s must not be negative", name))
	}
	if e.MaxRetries < 0 {
		return invalid("max_retries", "must not be negative")
	}
	if e.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	if e.RetryDelay < 0 {
		return invalid("retry_delay", "must not be negative")
	}
	if e.Timeout == 0 {
		e.Timeout = s.opts.DefaultTimeout
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	e.Status = model.ExecutionStatusPending
	e.SubmittedAt = s.now().UTC()
	e.StartedAt = nil
	e.CompletedAt = nil
	e.AllocatedResources = nil
	e.RetryCount = 0
	e.Result = nil
	e.ErrorMessage = ""
	return nil
}

// Cancel stops an execution that has not finished. Terminal executions
// report ErrNotCancellable.
func (s *ExecutionSupervisor) Cancel(id string) (bool, error) {
	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}

	previous := e.Status
	switch e.Status {
	case model.ExecutionStatusPending:
		s.pending.Remove(id)
	case model.ExecutionStatusRunning:
		r := s.active[id]
		delete(s.active, id)
		r.cancel()
		s.releaseLocked(r)
	case model.ExecutionStatusRetrying:
		entry := s.retrying[id]
		entry.timer.Stop()
		delete(s.retrying, id)
	default:
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, e.Status)
	}

	now := s.now().UTC()
	e.Status = model.ExecutionStatusCancelled
	e.CompletedAt = &now
	s.archiveLocked(e)
	s.notifier.push(e.Clone())
	s.mu.Unlock()

	s.logger.Info("Execution cancelled",
		zap.String("execution_id", id),
		zap.String("previous_status", string(previous)))

	return true, nil
}

// GetStatus returns a copy of an execution known to the supervisor
func (s *ExecutionSupervisor) GetStatus(id string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return e.Clone(), nil
}

// List returns copies of known executions in submission order, optionally
// filtered by status
func (s *ExecutionSupervisor) List(statuses ...model.ExecutionStatus) []*model.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[model.ExecutionStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	result := make([]*model.Execution, 0, len(s.index))
	for _, e := range s.index {
		if len(wanted) == 0 || wanted[e.Status] {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.Before(result[j].SubmittedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// History returns the retained terminal executions, oldest first
func (s *ExecutionSupervisor) History() []*model.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.Execution, len(s.history))
	for i, e := range s.history {
		result[i] = e.Clone()
	}
	return result
}

// InFlight counts the pending, running and retrying executions of a workflow
func (s *ExecutionSupervisor) InFlight(workflowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.index {
		if e.WorkflowID == workflowID && inFlight(e.Status) {
			count++
		}
	}
	return count
}

// InFlightTotal counts all pending, running and retrying executions
func (s *ExecutionSupervisor) InFlightTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len() + len(s.active) + len(s.retrying)
}

// SetMaxConcurrentWorkflows changes the admission limit. Values below 1 are ignored.
func (s *ExecutionSupervisor) SetMaxConcurrentWorkflows(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrent = n
}

// Status returns counts, limits and resource usage
func (s *ExecutionSupervisor) Status() SupervisorStatus {
	s.mu.Lock()
	status := SupervisorStatus{
		Running:                s.running,
		Pending:                s.pending.Len(),
		Active:                 len(s.active),
		Retrying:               len(s.retrying),
		History:                len(s.history),
		MaxConcurrentWorkflows: s.maxConcurrent,
	}
	s.mu.Unlock()

	if s.ledger != nil {
		status.Resources = s.ledger.Usage()
	}
	return status
}

// Start launches the admission loop
func (s *ExecutionSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor: %w", ErrAlreadyRunning)
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)

	s.logger.Info("Supervisor started",
		zap.Int("max_concurrent_workflows", s.maxConcurrent),
		zap.Duration("poll_interval", s.opts.PollInterval))
	return nil
}

// Stop ends the admission loop. Running executions continue; see Drain.
func (s *ExecutionSupervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: %w", ErrNotRunning)
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("Supervisor stopped")
	return nil
}

// Drain waits for running executions to finish. When ctx ends first, the
// remaining executions are cancelled.
func (s *ExecutionSupervisor) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Cancel(id); err != nil && !errors.Is(err, ErrNotCancellable) {
			s.logger.Error("Failed to cancel execution during drain",
				zap.String("execution_id", id),
				zap.Error(err))
		}
	}
	<-finished
	return ctx.Err()
}

// Flush waits until every status event raised so far reached the listeners
func (s *ExecutionSupervisor) Flush() {
	s.notifier.sync()
}

// Close delivers queued status events and stops the notification goroutine.
// Listeners are not called again afterwards, so Close is only for final shutdown.
func (s *ExecutionSupervisor) Close() {
	s.notifier.close()
}

func (s *ExecutionSupervisor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.safeAdmit(); err != nil {
			s.logger.Error("Admission tick failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(s.opts.FaultBackoff):
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *ExecutionSupervisor) safeAdmit() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("admission panicked: %v", r)
		}
	}()
	s.admit()
	return nil
}

// admit walks the pending queue head first and starts every execution that
// fits. Executions blocked on dependencies or resources stay queued.
func (s *ExecutionSupervisor) admit() {
	s.mu.Lock()

	var (
		events   []*model.Execution
		launches []*run
	)
	for _, e := range s.pending.Snapshot() {
		if len(s.active) >= s.maxConcurrent {
			break
		}
		if !s.deps.Satisfied(e.Dependencies, s.history) {
			continue
		}

		var snapshot *model.ResourceRequirement
		if s.ledger != nil {
			reserved, ok := s.ledger.TryReserve(e.Resources)
			if !ok {
				continue
			}
			snapshot = &reserved
		}

		s.pending.Remove(e.ID)
		now := s.now().UTC()
		e.Status = model.ExecutionStatusRunning
		e.StartedAt = &now
		e.CompletedAt = nil
		if snapshot != nil {
			allocated := snapshot.Clone()
			e.AllocatedResources = &allocated
		}

		runCtx, cancel := context.WithTimeout(executor.WithExecutionID(context.Background(), e.ID), e.Timeout)
		r := &run{
			exec:      e,
			ctx:       runCtx,
			cancel:    cancel,
			ref:       e.WorkflowRef,
			variables: cloneMap(e.Variables),
			snapshot:  snapshot,
		}
		s.active[e.ID] = r
		s.runs.Add(1)

		launches = append(launches, r)
		events = append(events, e.Clone())
	}
	s.notifier.push(events...)
	s.mu.Unlock()

	for _, r := range launches {
		s.logger.Info("Execution started",
			zap.String("execution_id", r.exec.ID),
			zap.String("workflow_ref", r.ref))
		go s.execute(r)
	}
}

// execute waits for the executor or the run context, whichever ends first.
// An executor that ignores cancellation is abandoned once its deadline passes.
func (s *ExecutionSupervisor) execute(r *run) {
	defer s.runs.Done()
	defer r.cancel()

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				results <- outcome{err: fmt.Errorf("executor panicked: %v", p)}
			}
		}()
		result, err := s.executor.Execute(r.ctx, r.ref, r.variables)
		results <- outcome{result: result, err: err}
	}()

	select {
	case out := <-results:
		if out.err != nil && errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
			out.err = errors.New(timeoutMessage)
		}
		s.complete(r, out)
	case <-r.ctx.Done():
		if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
			s.complete(r, outcome{err: errors.New(timeoutMessage)})
		}
		// Cancelled: Cancel already moved the execution on
	}
}

func (s *ExecutionSupervisor) complete(r *run, out outcome) {
	s.mu.Lock()

	e := r.exec
	if current, ok := s.active[e.ID]; !ok || current != r {
		s.mu.Unlock()
		return
	}
	delete(s.active, e.ID)
	s.releaseLocked(r)

	now := s.now().UTC()
	e.CompletedAt = &now

	var events []*model.Execution
	if out.err == nil {
		e.Status = model.ExecutionStatusCompleted
		e.Result = out.result
		e.ErrorMessage = ""
		s.archiveLocked(e)
		events = append(events, e.Clone())
	} else {
		e.Status = model.ExecutionStatusFailed
		e.ErrorMessage = out.err.Error()
		events = append(events, e.Clone())
		if retry := s.scheduleRetryLocked(e); retry != nil {
			events = append(events, retry)
		} else {
			s.archiveLocked(e)
		}
	}
	s.notifier.push(events...)
	s.mu.Unlock()

	if out.err != nil {
		s.logger.Warn("Execution failed",
			zap.String("execution_id", e.ID),
			zap.Int("retry_count", events[len(events)-1].RetryCount),
			zap.String("error", events[0].ErrorMessage))
	} else {
		s.logger.Info("Execution completed", zap.String("execution_id", e.ID))
	}
}

// scheduleRetryLocked moves a failed execution to retrying when its budget
// allows and returns the resulting snapshot
func (s *ExecutionSupervisor) scheduleRetryLocked(e *model.Execution) *model.Execution {
	if e.RetryCount >= e.MaxRetries {
		return nil
	}

	e.RetryCount++
	e.Status = model.ExecutionStatusRetrying

	base := e.RetryDelay
	if base <= 0 {
		base = s.opts.DefaultRetryDelay
	}
	delay := s.opts.RetryStrategy.NextRetry(e.RetryCount, base)

	id := e.ID
	s.retrying[id] = &retryEntry{
		exec:  e,
		timer: time.AfterFunc(delay, func() { s.requeue(id) }),
	}

	s.logger.Info("Execution scheduled for retry",
		zap.String("execution_id", id),
		zap.Int("attempt", e.RetryCount),
		zap.Duration("delay", delay))

	return e.Clone()
}

func (s *ExecutionSupervisor) requeue(id string) {
	s.mu.Lock()
	entry, ok := s.retrying[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.retrying, id)

	e := entry.exec
	e.Status = model.ExecutionStatusPending
	e.StartedAt = nil
	e.CompletedAt = nil
	e.AllocatedResources = nil
	s.pending.Push(e)
	s.notifier.push(e.Clone())
	s.mu.Unlock()
}

// releaseLocked returns the reservation of an admitted execution exactly once
func (s *ExecutionSupervisor) releaseLocked(r *run) {
	if s.ledger == nil || r.snapshot == nil {
		return
	}
	s.ledger.Release(*r.snapshot)
	r.snapshot = nil
}

func (s *ExecutionSupervisor) archiveLocked(e *model.Execution) {
	s.history = append(s.history, e)
	for len(s.history) > s.opts.HistoryLimit {
		evicted := s.history[0]
		s.history = s.history[1:]
		delete(s.index, evicted.ID)
	}
}

func inFlight(status model.ExecutionStatus) bool {
	switch status {
	case model.ExecutionStatusPending, model.ExecutionStatusRunning, model.ExecutionStatusRetrying:
		return true
	}
	return false
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
