package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowsched/internal/model"
)

// fakeSubmitter records submissions and reports a fixed in-flight count per workflow
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []*model.Execution
	inFlight  map[string]int
	panicOn   string
}

func (f *fakeSubmitter) Submit(e *model.Execution) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.WorkflowRef == f.panicOn {
		panic("submitter exploded")
	}
	e.ID = uuid.New().String()
	f.submitted = append(f.submitted, e)
	f.inFlight[e.WorkflowID]++
	return e.ID, nil
}

func (f *fakeSubmitter) InFlight(workflowID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight[workflowID]
}

func (f *fakeSubmitter) InFlightTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.inFlight {
		total += n
	}
	return total
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func newTestDispatcher(t *testing.T, submitter Submitter, maxConcurrent int) (*ScheduleDispatcher, *ScheduleStore, time.Time) {
	t.Helper()
	store := newTestStore(t, nil)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	d := NewScheduleDispatcher(store, submitter, DispatcherOptions{
		CheckInterval:           tick,
		MaxConcurrentExecutions: maxConcurrent,
		FaultBackoff:            tick,
	}, zaptest.NewLogger(t))
	return d, store, now
}

func intervalSchedule(id, ref string) *model.Schedule {
	return &model.Schedule{
		ID:          id,
		Name:        id,
		WorkflowRef: ref,
		Type:        model.ScheduleTypeInterval,
		Expression:  "1",
		Enabled:     true,
	}
}

func TestDispatcher_FiresDueSchedules(t *testing.T) {
	submitter := &fakeSubmitter{inFlight: map[string]int{}}
	d, store, now := newTestDispatcher(t, submitter, 10)

	schedule := intervalSchedule("backup", "shell:jobs/backup.sh")
	schedule.MaxRetries = 2
	schedule.TimeoutMinutes = 5
	schedule.RetryDelayMinutes = 1
	schedule.Variables = map[string]any{"bucket": "daily"}
	require.NoError(t, store.Add(schedule))

	var fired []string
	d.OnFire(func(s *model.Schedule, executionID string, _ time.Time) {
		fired = append(fired, s.ID+"/"+executionID)
	})

	d.tick(now)
	assert.Equal(t, 0, submitter.count(), "not yet due")

	at := now.Add(time.Minute)
	d.tick(at)
	require.Equal(t, 1, submitter.count())

	e := submitter.submitted[0]
	assert.Equal(t, "backup", e.WorkflowID)
	assert.Equal(t, "backup", e.ScheduleID)
	assert.Equal(t, 2, e.MaxRetries)
	assert.Equal(t, 5*time.Minute, e.Timeout)
	assert.Equal(t, time.Minute, e.RetryDelay)
	assert.Equal(t, "daily", e.Variables["bucket"])
	assert.Equal(t, model.DefaultRequirement(), e.Resources)
	require.Len(t, fired, 1)

	got, err := store.Get("backup")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, at, *got.LastRun)
	assert.Equal(t, at.Add(time.Minute), *got.NextRun)
}

func TestDispatcher_MaxInstancesSkip(t *testing.T) {
	submitter := &fakeSubmitter{inFlight: map[string]int{"backup": 1}}
	d, store, now := newTestDispatcher(t, submitter, 10)

	require.NoError(t, store.Add(intervalSchedule("backup", "shell:backup.sh")))
	require.NoError(t, store.Add(intervalSchedule("report", "shell:report.sh")))

	at := now.Add(time.Minute)
	d.tick(at)

	require.Equal(t, 1, submitter.count())
	assert.Equal(t, "report", submitter.submitted[0].WorkflowID)

	// Skipped schedule keeps its NextRun and is retried on the next tick
	skipped, err := store.Get("backup")
	require.NoError(t, err)
	assert.Equal(t, 0, skipped.RunCount)
	assert.Equal(t, at, *skipped.NextRun)

	submitter.mu.Lock()
	submitter.inFlight["backup"] = 0
	submitter.mu.Unlock()

	d.tick(at.Add(time.Second))
	assert.Equal(t, 2, submitter.count())
}

func TestDispatcher_GlobalLimit(t *testing.T) {
	submitter := &fakeSubmitter{inFlight: map[string]int{}}
	d, store, now := newTestDispatcher(t, submitter, 1)

	require.NoError(t, store.Add(intervalSchedule("a", "shell:a.sh")))
	require.NoError(t, store.Add(intervalSchedule("b", "shell:b.sh")))

	d.tick(now.Add(time.Minute))
	require.Equal(t, 1, submitter.count())
	assert.Equal(t, "a", submitter.submitted[0].WorkflowID)

	d.SetMaxConcurrentExecutions(2)
	d.tick(now.Add(time.Minute))
	assert.Equal(t, 2, submitter.count())
}

func TestDispatcher_IsolatesFailures(t *testing.T) {
	submitter := &fakeSubmitter{inFlight: map[string]int{}, panicOn: "shell:a.sh"}
	d, store, now := newTestDispatcher(t, submitter, 10)

	require.NoError(t, store.Add(intervalSchedule("a", "shell:a.sh")))
	require.NoError(t, store.Add(intervalSchedule("b", "shell:b.sh")))

	require.NotPanics(t, func() { d.tick(now.Add(time.Minute)) })
	require.Equal(t, 1, submitter.count())
	assert.Equal(t, "b", submitter.submitted[0].WorkflowID)
}

func TestDispatcher_Loop(t *testing.T) {
	submitter := &fakeSubmitter{inFlight: map[string]int{}}
	d, store, now := newTestDispatcher(t, submitter, 10)
	d.now = func() time.Time { return now.Add(time.Hour) }

	require.NoError(t, store.Add(intervalSchedule("a", "shell:a.sh")))

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, d.Running())

	require.Eventually(t, func() bool { return submitter.count() >= 1 }, waitFor, tick)
	require.NoError(t, d.Stop())
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)
}
