package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

// ScheduleStore keeps schedule definitions and rewrites the backend after
// every mutation. It does not guard against other processes writing the
// same backend.
type ScheduleStore struct {
	logger              *zap.Logger
	resolver            *ExpressionResolver
	catalog             WorkflowCatalog
	backend             ScheduleBackend
	defaultMaxInstances int
	now                 func() time.Time

	mu        sync.Mutex
	schedules map[string]*model.Schedule
}

// NewScheduleStore creates a store and loads existing schedules from backend.
// catalog and backend may be nil.
func NewScheduleStore(resolver *ExpressionResolver, catalog WorkflowCatalog, backend ScheduleBackend, logger *zap.Logger, defaultMaxInstances int) (*ScheduleStore, error) {
	if defaultMaxInstances < 1 {
		defaultMaxInstances = DefaultMaxInstances
	}

	s := &ScheduleStore{
		logger:              logger.Named("schedule-store"),
		resolver:            resolver,
		catalog:             catalog,
		backend:             backend,
		defaultMaxInstances: defaultMaxInstances,
		now:                 time.Now,
		schedules:           make(map[string]*model.Schedule),
	}

	if backend == nil {
		return s, nil
	}

	loaded, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}
	for id, schedule := range loaded {
		if schedule == nil {
			continue
		}
		if schedule.ID == "" {
			schedule.ID = id
		}
		if schedule.Timezone == "" {
			schedule.Timezone = defaultTimezone
		}
		s.schedules[schedule.ID] = schedule
	}

	s.logger.Info("Loaded schedules", zap.Int("count", len(s.schedules)))
	return s, nil
}

// Add validates and stores a new schedule. ID, NextRun and the timestamps
// are written back to schedule.
func (s *ScheduleStore) Add(schedule *model.Schedule) error {
	if schedule == nil {
		return invalid("schedule", "must not be nil")
	}

	now := s.now().UTC()
	candidate := schedule.Clone()
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	candidate.RunCount, candidate.SuccessCount, candidate.FailureCount = 0, 0, 0
	candidate.LastRun = nil

	if err := s.validate(candidate); err != nil {
		return err
	}
	next, err := s.resolver.Resolve(candidate.Expression, candidate.Type, candidate.Timezone, now)
	if err != nil {
		return err
	}
	candidate.NextRun = &next
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[candidate.ID]; exists {
		return fmt.Errorf("%w: %s", ErrScheduleExists, candidate.ID)
	}
	s.schedules[candidate.ID] = candidate
	if err := s.persistLocked(); err != nil {
		delete(s.schedules, candidate.ID)
		return err
	}
	*schedule = *candidate.Clone()

	s.logger.Info("Added schedule",
		zap.String("id", candidate.ID),
		zap.String("name", candidate.Name),
		zap.String("expression", candidate.Expression),
		zap.Time("next_run", next))
	return nil
}

// Update applies patch to an existing schedule. NextRun is recomputed only
// when the type, expression or timezone change.
func (s *ScheduleStore) Update(id string, patch model.SchedulePatch) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	candidate := current.Clone()
	applyPatch(candidate, patch)
	if err := s.validate(candidate); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if patch.ChangesTiming() {
		next, err := s.resolver.Resolve(candidate.Expression, candidate.Type, candidate.Timezone, now)
		if err != nil {
			return nil, err
		}
		candidate.NextRun = &next
	}
	candidate.UpdatedAt = now
	s.schedules[id] = candidate.Clone()
	if err := s.persistLocked(); err != nil {
		s.schedules[id] = current
		return nil, err
	}

	s.logger.Info("Updated schedule", zap.String("id", id))
	return candidate.Clone(), nil
}

// Remove deletes a schedule
func (s *ScheduleStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(s.schedules, id)
	if err := s.persistLocked(); err != nil {
		s.schedules[id] = current
		return err
	}

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// Get returns a copy of a schedule
func (s *ScheduleStore) Get(id string) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return schedule.Clone(), nil
}

// List returns copies of all schedules ordered by ID
func (s *ScheduleStore) List(enabledOnly bool) []*model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collectLocked(func(schedule *model.Schedule) bool {
		return !enabledOnly || schedule.Enabled
	})
}

// Due returns the enabled schedules whose next run is at or before now, ordered by ID
func (s *ScheduleStore) Due(now time.Time) []*model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collectLocked(func(schedule *model.Schedule) bool {
		return schedule.Enabled && schedule.NextRun != nil && !schedule.NextRun.After(now)
	})
}

// MarkFired records a fire at the given instant and advances NextRun.
// One-time schedules are left without a next run.
func (s *ScheduleStore) MarkFired(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	at = at.UTC()
	schedule.RunCount++
	schedule.LastRun = &at
	schedule.NextRun = nil

	if schedule.Type != model.ScheduleTypeOneTime {
		next, err := s.resolver.Resolve(schedule.Expression, schedule.Type, schedule.Timezone, at)
		if err != nil {
			s.logger.Error("Failed to resolve next run",
				zap.String("id", id),
				zap.Error(err))
		} else {
			schedule.NextRun = &next
		}
	}

	return s.persistLocked()
}

// RecordOutcome updates the success or failure counter of a schedule
func (s *ScheduleStore) RecordOutcome(id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if success {
		schedule.SuccessCount++
	} else {
		schedule.FailureCount++
	}
	return s.persistLocked()
}

// Counts returns the number of schedules and how many of them are enabled
func (s *ScheduleStore) Counts() (total, enabled int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, schedule := range s.schedules {
		total++
		if schedule.Enabled {
			enabled++
		}
	}
	return total, enabled
}

func (s *ScheduleStore) collectLocked(keep func(*model.Schedule) bool) []*model.Schedule {
	result := make([]*model.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		if keep(schedule) {
			result = append(result, schedule.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// persistLocked writes the full schedule set. Add, Update and Remove undo
// their change when it fails; MarkFired and RecordOutcome keep theirs, since
// the fire or outcome already happened.
func (s *ScheduleStore) persistLocked() error {
	if s.backend == nil {
		return nil
	}

	snapshot := make(map[string]*model.Schedule, len(s.schedules))
	for id, schedule := range s.schedules {
		snapshot[id] = schedule.Clone()
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logger.Error("Failed to persist schedules", zap.Error(err))
		return fmt.Errorf("failed to persist schedules: %w", err)
	}
	return nil
}

func (s *ScheduleStore) validate(schedule *model.Schedule) error {
	if strings.TrimSpace(schedule.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if strings.TrimSpace(schedule.WorkflowRef) == "" {
		return invalid("workflow_ref", "must not be empty")
	}
	if s.catalog != nil {
		if err := s.catalog.Resolve(schedule.WorkflowRef); err != nil {
			return invalidErr("workflow_ref", "cannot be resolved", err)
		}
	}

	switch schedule.Type {
	case model.ScheduleTypeCron, model.ScheduleTypeInterval, model.ScheduleTypeOneTime:
	default:
		return invalid("schedule_type", fmt.Sprintf("unknown type %q", schedule.Type))
	}

	if schedule.Timezone == "" {
		schedule.Timezone = defaultTimezone
	}
	if _, err := loadLocation(schedule.Timezone); err != nil {
		return err
	}

	if schedule.MaxInstances == 0 {
		schedule.MaxInstances = s.defaultMaxInstances
	}
	if schedule.MaxInstances < 1 {
		return invalid("max_instances", "must be at least 1")
	}
	if schedule.TimeoutMinutes < 0 {
		return invalid("timeout_minutes", "must not be negative")
	}
	if schedule.MaxRetries < 0 {
		return invalid("max_retries", "must not be negative")
	}
	if schedule.RetryDelayMinutes < 0 {
		return invalid("retry_delay_minutes", "must not be negative")
	}
	if err := validateDependencies(schedule.Dependencies); err != nil {
		return err
	}
	if schedule.Resources != nil {
		if name, negative := schedule.Resources.Negative(); negative {
			return invalid("resources", fmt.Sprintf("%s must not be negative", name))
		}
	}
	return nil
}

func validateDependencies(deps []model.Dependency) error {
	for _, dep := range deps {
		if dep.DependsOnWorkflowID == "" {
			return invalid("dependencies", "depends_on_workflow_id must not be empty")
		}
		if !dep.Kind.Valid() {
			return invalid("dependencies", fmt.Sprintf("unknown kind %q", dep.Kind))
		}
	}
	return nil
}

func applyPatch(schedule *model.Schedule, patch model.SchedulePatch) {
	if patch.Name != nil {
		schedule.Name = *patch.Name
	}
	if patch.WorkflowRef != nil {
		schedule.WorkflowRef = *patch.WorkflowRef
	}
	if patch.Type != nil {
		schedule.Type = *patch.Type
	}
	if patch.Expression != nil {
		schedule.Expression = *patch.Expression
	}
	if patch.Timezone != nil {
		schedule.Timezone = *patch.Timezone
	}
	if patch.Enabled != nil {
		schedule.Enabled = *patch.Enabled
	}
	if patch.MaxInstances != nil {
		schedule.MaxInstances = *patch.MaxInstances
	}
	if patch.TimeoutMinutes != nil {
		schedule.TimeoutMinutes = *patch.TimeoutMinutes
	}
	if patch.MaxRetries != nil {
		schedule.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelayMinutes != nil {
		schedule.RetryDelayMinutes = *patch.RetryDelayMinutes
	}
	if patch.Variables != nil {
		schedule.Variables = patch.Variables
	}
	if patch.Tags != nil {
		schedule.Tags = patch.Tags
	}
	if patch.Dependencies != nil {
		schedule.Dependencies = patch.Dependencies
	}
	if patch.Resources != nil {
		r := patch.Resources.Clone()
		schedule.Resources = &r
	}
}
