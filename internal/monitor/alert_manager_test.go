package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowsched/internal/model"
	"github.com/t77yq/flowsched/internal/testutil"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (c *recordingChannel) Send(_ context.Context, alert *model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *recordingChannel) received() []*model.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Alert(nil), c.alerts...)
}

func failedExecution(workflowID, message string) *model.Execution {
	return &model.Execution{
		ID:           "exec-" + workflowID,
		WorkflowID:   workflowID,
		Status:       model.ExecutionStatusFailed,
		ErrorMessage: message,
		MaxRetries:   2,
	}
}

func TestAlertManager_Rules(t *testing.T) {
	manager := NewAlertManager(nil, zaptest.NewLogger(t))

	t.Run("add", func(t *testing.T) {
		rule := &model.AlertRule{
			Name:      "High CPU Usage",
			Type:      model.AlertTypeResourceUsage,
			Threshold: 80.0,
		}
		require.NoError(t, manager.AddRule(rule))
		assert.NotEmpty(t, rule.ID)
		assert.False(t, rule.CreatedAt.IsZero())
		assert.Equal(t, rule.CreatedAt, rule.UpdatedAt)
		assert.Equal(t, model.AlertSeverityWarning, rule.Severity)

		got, err := manager.GetRule(rule.ID)
		require.NoError(t, err)
		assert.Equal(t, "High CPU Usage", got.Name)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, rule := range []*model.AlertRule{
			{Type: model.AlertTypeExecutionFailure},
			{Name: "bad", Type: "task_failure"},
			{Name: "no threshold", Type: model.AlertTypeResourceUsage},
			{Name: "too high", Type: model.AlertTypeResourceUsage, Threshold: 150},
		} {
			assert.ErrorIs(t, manager.AddRule(rule), ErrInvalidRule)
		}
	})

	t.Run("update and delete", func(t *testing.T) {
		rule := &model.AlertRule{Name: "Failures", Type: model.AlertTypeExecutionFailure}
		require.NoError(t, manager.AddRule(rule))

		rule.Severity = model.AlertSeverityCritical
		require.NoError(t, manager.UpdateRule(rule))

		got, err := manager.GetRule(rule.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AlertSeverityCritical, got.Severity)

		require.NoError(t, manager.DeleteRule(rule.ID))
		_, err = manager.GetRule(rule.ID)
		assert.ErrorIs(t, err, ErrRuleNotFound)
		assert.ErrorIs(t, manager.DeleteRule(rule.ID), ErrRuleNotFound)
		assert.ErrorIs(t, manager.UpdateRule(&model.AlertRule{ID: "missing", Name: "x", Type: model.AlertTypeTimeout}), ErrRuleNotFound)
	})

	t.Run("list", func(t *testing.T) {
		rules := manager.ListRules()
		require.Len(t, rules, 1)
		assert.Equal(t, "High CPU Usage", rules[0].Name)
	})
}

func TestAlertManager_HandleExecution(t *testing.T) {
	manager := NewAlertManager(nil, zaptest.NewLogger(t))
	channel := &recordingChannel{}
	manager.AddChannel("recorder", channel)

	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "any failure", Type: model.AlertTypeExecutionFailure, Severity: model.AlertSeverityError}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "backup timeout", Type: model.AlertTypeTimeout, WorkflowID: "backup"}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "muted", Type: model.AlertTypeExecutionFailure, Silenced: true}))

	t.Run("ignores non failures", func(t *testing.T) {
		manager.HandleExecution(&model.Execution{ID: "ok", WorkflowID: "backup", Status: model.ExecutionStatusCompleted})
		assert.Empty(t, channel.received())
	})

	t.Run("failure", func(t *testing.T) {
		manager.HandleExecution(failedExecution("report", "exit status 1"))
		alerts := channel.received()
		require.Len(t, alerts, 1)
		assert.Equal(t, model.AlertTypeExecutionFailure, alerts[0].Type)
		assert.Equal(t, model.AlertSeverityError, alerts[0].Severity)
		assert.Equal(t, "exec-report", alerts[0].Data["execution_id"])
	})

	t.Run("timeout matches workflow", func(t *testing.T) {
		manager.HandleExecution(failedExecution("backup", model.TimeoutMessage))
		alerts := channel.received()
		require.Len(t, alerts, 3)

		var types []model.AlertType
		for _, a := range alerts[1:] {
			types = append(types, a.Type)
		}
		assert.ElementsMatch(t, []model.AlertType{model.AlertTypeExecutionFailure, model.AlertTypeTimeout}, types)
	})

	t.Run("timeout rule scoped to other workflow", func(t *testing.T) {
		manager.HandleExecution(failedExecution("report", model.TimeoutMessage))
		alerts := channel.received()
		require.Len(t, alerts, 4)
		assert.Equal(t, model.AlertTypeExecutionFailure, alerts[3].Type)
	})

	assert.Len(t, manager.Recent(), 4)
}

func TestAlertManager_EvaluateHost(t *testing.T) {
	manager := NewAlertManager(nil, zaptest.NewLogger(t))
	channel := &recordingChannel{}
	manager.AddChannel("recorder", channel)
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "host", Type: model.AlertTypeResourceUsage, Threshold: 80}))

	manager.EvaluateHost(&model.HostStats{CPUUsage: 95, MemoryUsage: 40, DiskUsage: 85})

	alerts := channel.received()
	require.Len(t, alerts, 2)
	assert.Equal(t, "cpu_usage", alerts[0].Data["metric"])
	assert.Equal(t, "disk_usage", alerts[1].Data["metric"])
}

func TestAlertManager_NATS(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	manager := NewAlertManager(js, zaptest.NewLogger(t))
	channel := &recordingChannel{}
	manager.AddChannel("recorder", channel)
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "failures", Type: model.AlertTypeExecutionFailure}))

	// failed executions arrive on a stream owned by the event publisher
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     "EXECUTIONS",
		Subjects: []string{"execution.*"},
		Storage:  nats.MemoryStorage,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()
	require.NoError(t, testutil.WaitForStream(t, js, AlertStreamName, 5*time.Second))

	data, err := json.Marshal(failedExecution("backup", "disk full"))
	require.NoError(t, err)
	_, err = js.Publish("execution.failed", data)
	require.NoError(t, err)

	msgs, err := testutil.ConsumeMessages(js, AlertSubject(model.AlertTypeExecutionFailure), 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var alert model.Alert
	require.NoError(t, json.Unmarshal(msgs[0].Data, &alert))
	assert.Equal(t, "backup", alert.Data["workflow_id"])
	assert.Equal(t, "disk full", alert.Data["error"])
	require.Eventually(t, func() bool {
		return len(channel.received()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
