package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

// Submitter accepts executions and reports how many are in flight
type Submitter interface {
	Submit(e *model.Execution) (string, error)
	InFlight(workflowID string) int
	InFlightTotal() int
}

// FireListener is told about every execution a schedule produced
type FireListener func(schedule *model.Schedule, executionID string, firedAt time.Time)

// DispatcherOptions configures a ScheduleDispatcher
type DispatcherOptions struct {
	CheckInterval           time.Duration
	MaxConcurrentExecutions int
	FaultBackoff            time.Duration
}

// ScheduleDispatcher polls the store for due schedules and submits one
// execution per due schedule
type ScheduleDispatcher struct {
	logger    *zap.Logger
	store     *ScheduleStore
	submitter Submitter
	interval  time.Duration
	backoff   time.Duration
	now       func() time.Time

	mu            sync.Mutex
	maxConcurrent int
	listeners     []FireListener
	running       bool
	stop          chan struct{}
	done          chan struct{}
}

// NewScheduleDispatcher creates a dispatcher
func NewScheduleDispatcher(store *ScheduleStore, submitter Submitter, opts DispatcherOptions, logger *zap.Logger) *ScheduleDispatcher {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.MaxConcurrentExecutions < 1 {
		opts.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if opts.FaultBackoff <= 0 {
		opts.FaultBackoff = dispatcherFaultBackoff
	}

	return &ScheduleDispatcher{
		logger:        logger.Named("dispatcher"),
		store:         store,
		submitter:     submitter,
		interval:      opts.CheckInterval,
		backoff:       opts.FaultBackoff,
		now:           time.Now,
		maxConcurrent: opts.MaxConcurrentExecutions,
	}
}

// OnFire registers a listener called after a schedule produced an execution
func (d *ScheduleDispatcher) OnFire(listener FireListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, listener)
}

// SetMaxConcurrentExecutions changes the global in-flight limit. Values below 1 are ignored.
func (d *ScheduleDispatcher) SetMaxConcurrentExecutions(n int) {
	if n < 1 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxConcurrent = n
}

// Running reports whether the polling loop is active
func (d *ScheduleDispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start launches the polling loop
func (d *ScheduleDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher: %w", ErrAlreadyRunning)
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	go d.loop(ctx, d.stop, d.done)

	d.logger.Info("Dispatcher started", zap.Duration("check_interval", d.interval))
	return nil
}

// Stop ends the polling loop and waits for the current tick
func (d *ScheduleDispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: %w", ErrNotRunning)
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Info("Dispatcher stopped")
	return nil
}

func (d *ScheduleDispatcher) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.safeTick(); err != nil {
			d.logger.Error("Dispatcher tick failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(d.backoff):
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

func (d *ScheduleDispatcher) safeTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	d.tick(d.now().UTC())
	return nil
}

// tick fires every due schedule in ID order. A failing schedule does not
// stop the others.
func (d *ScheduleDispatcher) tick(now time.Time) {
	for _, schedule := range d.store.Due(now) {
		if err := d.safeFire(schedule, now); err != nil {
			d.logger.Error("Failed to fire schedule",
				zap.String("schedule_id", schedule.ID),
				zap.Error(err))
		}
	}
}

func (d *ScheduleDispatcher) safeFire(schedule *model.Schedule, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fire panicked: %v", r)
		}
	}()
	return d.fire(schedule, now)
}

func (d *ScheduleDispatcher) fire(schedule *model.Schedule, now time.Time) error {
	d.mu.Lock()
	maxConcurrent := d.maxConcurrent
	listeners := append([]FireListener(nil), d.listeners...)
	d.mu.Unlock()

	if total := d.submitter.InFlightTotal(); total >= maxConcurrent {
		d.logger.Warn("Skipping schedule, concurrency limit reached",
			zap.String("schedule_id", schedule.ID),
			zap.Int("in_flight", total),
			zap.Int("limit", maxConcurrent))
		return nil
	}

	workflowID := model.WorkflowIDFromRef(schedule.WorkflowRef)
	if running := d.submitter.InFlight(workflowID); running >= schedule.MaxInstances {
		d.logger.Info("Skipping schedule, max instances reached",
			zap.String("schedule_id", schedule.ID),
			zap.String("workflow_id", workflowID),
			zap.Int("in_flight", running),
			zap.Int("max_instances", schedule.MaxInstances))
		return nil
	}

	exec := executionFor(schedule, workflowID)
	id, err := d.submitter.Submit(exec)
	if err != nil {
		return fmt.Errorf("failed to submit execution: %w", err)
	}

	if err := d.store.MarkFired(schedule.ID, now); err != nil {
		d.logger.Error("Failed to record schedule fire",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
	}

	d.logger.Info("Schedule fired",
		zap.String("schedule_id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("execution_id", id))

	for _, l := range listeners {
		l(schedule, id, now)
	}
	return nil
}

func executionFor(schedule *model.Schedule, workflowID string) *model.Execution {
	resources := model.DefaultRequirement()
	if schedule.Resources != nil {
		resources = schedule.Resources.Clone()
	}

	return &model.Execution{
		WorkflowID:   workflowID,
		WorkflowRef:  schedule.WorkflowRef,
		ScheduleID:   schedule.ID,
		Mode:         model.ExecutionModeDependencyBased,
		Variables:    cloneMap(schedule.Variables),
		Dependencies: append([]model.Dependency(nil), schedule.Dependencies...),
		Resources:    resources,
		MaxRetries:   schedule.MaxRetries,
		Timeout:      time.Duration(schedule.TimeoutMinutes) * time.Minute,
		RetryDelay:   time.Duration(schedule.RetryDelayMinutes) * time.Minute,
	}
}
