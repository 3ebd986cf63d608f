package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

const (
	AlertStreamName     = "ALERTS"
	alertSubjectBase    = "alert"
	failedSubject       = "execution.failed"
	defaultRecentAlerts = 100
	notificationTimeout = 30 * time.Second
)

// AlertSubject returns the subject alerts of the given type are published on
func AlertSubject(t model.AlertType) string {
	return alertSubjectBase + "." + string(t)
}

// AlertManager evaluates alert rules against failed executions and host
// samples, publishes alerts and forwards them to notification channels
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	rules  sync.Map
	now    func() time.Time

	mu       sync.Mutex
	channels map[string]NotificationChannel
	recent   []*model.Alert
	sub      *nats.Subscription
}

// NewAlertManager creates a new alert manager; js may be nil when NATS is disabled
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		now:      time.Now,
		channels: make(map[string]NotificationChannel),
	}
}

// Start creates the ALERTS stream and subscribes to failed executions
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		m.logger.Info("Alert manager started without NATS")
		return nil
	}

	_, err := m.js.StreamInfo(AlertStreamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     AlertStreamName,
			Subjects: []string{alertSubjectBase + ".*"},
			Storage:  nats.FileStorage,
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	sub, err := m.js.Subscribe(failedSubject, m.handleFailedExecution, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to failed executions: %w", err)
	}

	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("Alert manager started")
	return nil
}

// Stop unsubscribes from execution events
func (m *AlertManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
		m.sub = nil
	}
}

// AddChannel registers a notification channel under a name
func (m *AlertManager) AddChannel(name string, channel NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule := *value.(*model.AlertRule)
	return &rule, nil
}

// ListRules returns all rules ordered by name
func (m *AlertManager) ListRules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(_, value any) bool {
		rule := *value.(*model.AlertRule)
		rules = append(rules, &rule)
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt

	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	current, ok := m.rules.Load(rule.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.CreatedAt = current.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = m.now()

	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, loaded := m.rules.LoadAndDelete(id); !loaded {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// Recent returns the most recent alerts, newest last
func (m *AlertManager) Recent() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Alert(nil), m.recent...)
}

func validateRule(rule *model.AlertRule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	switch rule.Type {
	case model.AlertTypeExecutionFailure, model.AlertTypeTimeout:
	case model.AlertTypeResourceUsage:
		if rule.Threshold <= 0 || rule.Threshold > 100 {
			return fmt.Errorf("%w: threshold must be in (0, 100]", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	return nil
}

// HandleExecution applies failure and timeout rules to an execution snapshot.
// It can be registered directly as a status listener when NATS is disabled.
func (m *AlertManager) HandleExecution(exec *model.Execution) {
	if exec.Status != model.ExecutionStatusFailed {
		return
	}

	timedOut := exec.ErrorMessage == model.TimeoutMessage
	m.rules.Range(func(_, value any) bool {
		rule := value.(*model.AlertRule)
		if rule.Silenced || !rule.Matches(exec.WorkflowID) {
			return true
		}

		switch {
		case rule.Type == model.AlertTypeExecutionFailure:
		case rule.Type == model.AlertTypeTimeout && timedOut:
		default:
			return true
		}

		m.createAlert(rule, fmt.Sprintf("Workflow %s execution %s failed: %s", exec.WorkflowID, exec.ID, exec.ErrorMessage),
			map[string]any{
				"execution_id": exec.ID,
				"workflow_id":  exec.WorkflowID,
				"schedule_id":  exec.ScheduleID,
				"retry_count":  exec.RetryCount,
				"max_retries":  exec.MaxRetries,
				"error":        exec.ErrorMessage,
			})
		return true
	})
}

// EvaluateHost applies resource_usage rules to a host sample
func (m *AlertManager) EvaluateHost(stats *model.HostStats) {
	usage := map[string]float64{
		"cpu_usage":    stats.CPUUsage,
		"memory_usage": stats.MemoryUsage,
		"disk_usage":   stats.DiskUsage,
	}
	metrics := make([]string, 0, len(usage))
	for name := range usage {
		metrics = append(metrics, name)
	}
	sort.Strings(metrics)

	m.rules.Range(func(_, value any) bool {
		rule := value.(*model.AlertRule)
		if rule.Silenced || rule.Type != model.AlertTypeResourceUsage {
			return true
		}
		for _, name := range metrics {
			if usage[name] > rule.Threshold {
				m.createAlert(rule, fmt.Sprintf("Host %s at %.1f%% exceeds %.1f%%", name, usage[name], rule.Threshold),
					map[string]any{
						"metric":    name,
						"value":     usage[name],
						"threshold": rule.Threshold,
					})
			}
		}
		return true
	})
}

func (m *AlertManager) handleFailedExecution(msg *nats.Msg) {
	var exec model.Execution
	if err := json.Unmarshal(msg.Data, &exec); err != nil {
		m.logger.Error("Failed to unmarshal execution", zap.Error(err))
		return
	}
	m.HandleExecution(&exec)
	msg.Ack()
}

// createAlert records, publishes and delivers a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]any) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > defaultRecentAlerts {
		m.recent = m.recent[len(m.recent)-defaultRecentAlerts:]
	}
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	if m.js != nil {
		if err := m.publish(alert); err != nil {
			m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), notificationTimeout)
	defer cancel()
	for name, ch := range channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", name),
				zap.String("id", alert.ID),
				zap.Error(err))
		}
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	return alert
}

func (m *AlertManager) publish(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := m.js.Publish(AlertSubject(alert.Type), data); err != nil {
		return err
	}
	return nil
}
