package scheduler

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowsched/internal/model"
	"github.com/t77yq/flowsched/internal/storage"
)

type memoryBackend struct {
	mu      sync.Mutex
	saved   map[string]*model.Schedule
	saves   int
	failing bool
}

func (b *memoryBackend) Load() (map[string]*model.Schedule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saved, nil
}

func (b *memoryBackend) setFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
}

func (b *memoryBackend) Save(schedules map[string]*model.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("disk full")
	}
	b.saved = schedules
	b.saves++
	return nil
}

type catalogFunc func(ref string) error

func (f catalogFunc) Resolve(ref string) error { return f(ref) }

func newTestStore(t *testing.T, backend ScheduleBackend) *ScheduleStore {
	t.Helper()
	store, err := NewScheduleStore(NewExpressionResolver(), nil, backend, zaptest.NewLogger(t), 1)
	require.NoError(t, err)
	return store
}

func nightly() *model.Schedule {
	return &model.Schedule{
		Name:        "Nightly backup",
		WorkflowRef: "shell:backup.sh",
		Type:        model.ScheduleTypeCron,
		Expression:  "@daily",
		Enabled:     true,
	}
}

func TestScheduleStore_Add(t *testing.T) {
	backend := &memoryBackend{}
	store := newTestStore(t, backend)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	schedule := nightly()
	schedule.RunCount = 42
	require.NoError(t, store.Add(schedule))

	assert.NotEmpty(t, schedule.ID)
	assert.Equal(t, "UTC", schedule.Timezone)
	assert.Equal(t, 1, schedule.MaxInstances)
	assert.Equal(t, 0, schedule.RunCount)
	require.NotNil(t, schedule.NextRun)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), *schedule.NextRun)
	assert.Equal(t, now, schedule.CreatedAt)

	assert.Equal(t, 1, backend.saves)
	assert.Contains(t, backend.saved, schedule.ID)

	dup := nightly()
	dup.ID = schedule.ID
	assert.ErrorIs(t, store.Add(dup), ErrScheduleExists)
}

func TestScheduleStore_AddValidation(t *testing.T) {
	store := newTestStore(t, nil)

	cases := map[string]func(s *model.Schedule){
		"name":          func(s *model.Schedule) { s.Name = "" },
		"workflow_ref":  func(s *model.Schedule) { s.WorkflowRef = " " },
		"schedule_type": func(s *model.Schedule) { s.Type = "hourly" },
		"expression":    func(s *model.Schedule) { s.Expression = "every day" },
		"timezone":      func(s *model.Schedule) { s.Timezone = "Nowhere/Land" },
		"max_instances": func(s *model.Schedule) { s.MaxInstances = -1 },
		"timeout":       func(s *model.Schedule) { s.TimeoutMinutes = -1 },
		"max_retries":   func(s *model.Schedule) { s.MaxRetries = -1 },
		"retry_delay":   func(s *model.Schedule) { s.RetryDelayMinutes = -1 },
		"dependency":    func(s *model.Schedule) { s.Dependencies = []model.Dependency{{DependsOnWorkflowID: "x", Kind: "maybe"}} },
		"resources":     func(s *model.Schedule) { s.Resources = &model.ResourceRequirement{CPUCores: -1} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			schedule := nightly()
			mutate(schedule)
			assert.ErrorIs(t, store.Add(schedule), ErrValidation)
		})
	}
	assert.Empty(t, store.List(false))
}

func TestScheduleStore_Catalog(t *testing.T) {
	catalog := catalogFunc(func(ref string) error {
		if ref == "shell:backup.sh" {
			return nil
		}
		return ErrUnknownWorkflow
	})
	store, err := NewScheduleStore(NewExpressionResolver(), catalog, nil, zaptest.NewLogger(t), 1)
	require.NoError(t, err)

	require.NoError(t, store.Add(nightly()))

	missing := nightly()
	missing.WorkflowRef = "shell:missing.sh"
	err = store.Add(missing)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestScheduleStore_Update(t *testing.T) {
	store := newTestStore(t, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	schedule := nightly()
	require.NoError(t, store.Add(schedule))

	name := "Renamed"
	updated, err := store.Update(schedule.ID, model.SchedulePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, *schedule.NextRun, *updated.NextRun)

	kind := model.ScheduleTypeInterval
	expr := "30"
	updated, err = store.Update(schedule.ID, model.SchedulePatch{Type: &kind, Expression: &expr})
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), *updated.NextRun)

	bad := "abc"
	_, err = store.Update(schedule.ID, model.SchedulePatch{Expression: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := store.Get(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, "30", got.Expression)

	_, err = store.Update("missing", model.SchedulePatch{Name: &name})
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestScheduleStore_RemoveGetList(t *testing.T) {
	store := newTestStore(t, nil)

	a := nightly()
	a.ID = "b-schedule"
	b := nightly()
	b.ID = "a-schedule"
	b.Enabled = false
	require.NoError(t, store.Add(a))
	require.NoError(t, store.Add(b))

	all := store.List(false)
	require.Len(t, all, 2)
	assert.Equal(t, "a-schedule", all[0].ID)

	enabled := store.List(true)
	require.Len(t, enabled, 1)
	assert.Equal(t, "b-schedule", enabled[0].ID)

	// Returned copies are detached from the store
	enabled[0].Name = "mutated"
	got, err := store.Get("b-schedule")
	require.NoError(t, err)
	assert.Equal(t, "Nightly backup", got.Name)

	require.NoError(t, store.Remove("a-schedule"))
	assert.ErrorIs(t, store.Remove("a-schedule"), ErrScheduleNotFound)
	_, err = store.Get("a-schedule")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestScheduleStore_DueAndMarkFired(t *testing.T) {
	store := newTestStore(t, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	interval := &model.Schedule{
		ID: "interval", Name: "every 10", WorkflowRef: "shell:poll.sh",
		Type: model.ScheduleTypeInterval, Expression: "10", Enabled: true,
	}
	once := &model.Schedule{
		ID: "once", Name: "once", WorkflowRef: "shell:migrate.sh",
		Type: model.ScheduleTypeOneTime, Expression: "2024-05-01T10:05:00Z", Enabled: true,
	}
	require.NoError(t, store.Add(interval))
	require.NoError(t, store.Add(once))

	assert.Empty(t, store.Due(now))

	later := now.Add(10 * time.Minute)
	due := store.Due(later)
	require.Len(t, due, 2)
	assert.Equal(t, "interval", due[0].ID)
	assert.Equal(t, "once", due[1].ID)

	require.NoError(t, store.MarkFired("interval", later))
	require.NoError(t, store.MarkFired("once", later))

	got, err := store.Get("interval")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, later, *got.LastRun)
	assert.Equal(t, 10*time.Minute, got.NextRun.Sub(*got.LastRun))

	got, err = store.Get("once")
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
	assert.Empty(t, store.Due(later), "interval not yet due, one-time exhausted")

	require.NoError(t, store.RecordOutcome("interval", true))
	require.NoError(t, store.RecordOutcome("interval", false))
	got, _ = store.Get("interval")
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
}

func TestScheduleStore_PersistenceFailureRollsBack(t *testing.T) {
	backend := &memoryBackend{}
	store := newTestStore(t, backend)

	kept := nightly()
	require.NoError(t, store.Add(kept))
	backend.setFailing(true)

	t.Run("add", func(t *testing.T) {
		schedule := nightly()
		schedule.ID = "retry-me"
		err := store.Add(schedule)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrValidation)

		_, err = store.Get("retry-me")
		assert.ErrorIs(t, err, ErrScheduleNotFound)
		due := store.Due(time.Now().Add(48 * time.Hour))
		require.Len(t, due, 1)
		assert.Equal(t, kept.ID, due[0].ID)

		backend.setFailing(false)
		defer backend.setFailing(true)
		require.NoError(t, store.Add(schedule), "same ID can be added once storage recovers")
		require.NoError(t, store.Remove("retry-me"))
	})

	t.Run("update", func(t *testing.T) {
		name := "renamed"
		_, err := store.Update(kept.ID, model.SchedulePatch{Name: &name})
		require.Error(t, err)

		got, err := store.Get(kept.ID)
		require.NoError(t, err)
		assert.Equal(t, kept.Name, got.Name)
	})

	t.Run("remove", func(t *testing.T) {
		require.Error(t, store.Remove(kept.ID))
		_, err := store.Get(kept.ID)
		assert.NoError(t, err)
	})

	t.Run("mark fired keeps the fire", func(t *testing.T) {
		at := time.Now()
		require.Error(t, store.MarkFired(kept.ID, at))
		got, err := store.Get(kept.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RunCount)
	})
}

func TestScheduleStore_LoadDefaultsTimezone(t *testing.T) {
	legacy := nightly()
	legacy.ID = "legacy"
	backend := &memoryBackend{saved: map[string]*model.Schedule{"legacy": legacy}}
	store := newTestStore(t, backend)

	got, err := store.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, "UTC", got.Timezone)
	require.NoError(t, store.MarkFired("legacy", time.Now()))
	got, _ = store.Get("legacy")
	assert.NotNil(t, got.NextRun)
}

func TestScheduleStore_ReloadFromFile(t *testing.T) {
	logger := zaptest.NewLogger(t)
	file := storage.NewScheduleFile(filepath.Join(t.TempDir(), "schedules.json"), logger)

	store, err := NewScheduleStore(NewExpressionResolver(), nil, file, logger, 1)
	require.NoError(t, err)
	schedule := nightly()
	require.NoError(t, store.Add(schedule))
	require.NoError(t, store.MarkFired(schedule.ID, time.Now()))

	reloaded, err := NewScheduleStore(NewExpressionResolver(), nil, file, logger, 1)
	require.NoError(t, err)
	got, err := reloaded.Get(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.Name, got.Name)
	assert.Equal(t, 1, got.RunCount)
	assert.NotNil(t, got.NextRun)
}
