package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

const (
	StreamName           = "EXECUTIONS"
	ExecutionSubjectBase = "execution"
	ScheduleFiredSubject = "schedule.fired"

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgs    = -1
	operationTimeout = 30 * time.Second
	defaultBuffer    = 256
)

// ExecutionSubject returns the subject an execution in the given status is published on
func ExecutionSubject(status model.ExecutionStatus) string {
	return ExecutionSubjectBase + "." + string(status)
}

// ScheduleFired is published every time a schedule produces an execution
type ScheduleFired struct {
	ScheduleID   string     `json:"schedule_id"`
	ScheduleName string     `json:"schedule_name"`
	WorkflowRef  string     `json:"workflow_ref"`
	ExecutionID  string     `json:"execution_id"`
	FiredAt      time.Time  `json:"fired_at"`
	NextRun      *time.Time `json:"next_run,omitempty"`
}

type envelope struct {
	subject string
	data    []byte
}

// Publisher pushes execution transitions and schedule fires to JetStream.
// Publishing never blocks the caller; when the buffer is full the event is dropped.
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	queue  chan envelope

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	dropped int
}

// NewPublisher creates a publisher and makes sure the EXECUTIONS stream exists
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger, buffer int) (*Publisher, error) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	p := &Publisher{
		js:     js,
		logger: logger.Named("events"),
		queue:  make(chan envelope, buffer),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := p.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream(ctx context.Context) error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{ExecutionSubjectBase + ".*", ScheduleFiredSubject},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			p.logger.Info("Stream already exists", zap.String("stream", StreamName))
			return nil
		}
		return err
	}

	p.logger.Info("Stream created successfully", zap.String("stream", StreamName))
	return nil
}

// Start launches the publishing worker
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(ctx, p.stop, p.done)
}

// Stop drains what is already queued and stops the worker
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()
	<-done
}

// Dropped returns how many events were discarded because the buffer was full
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// OnStatusChange publishes an execution snapshot on execution.<status>
func (p *Publisher) OnStatusChange(exec *model.Execution) {
	data, err := json.Marshal(exec)
	if err != nil {
		p.logger.Error("Failed to marshal execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
		return
	}
	p.enqueue(ExecutionSubject(exec.Status), data)
}

// OnScheduleFired publishes a ScheduleFired event
func (p *Publisher) OnScheduleFired(schedule *model.Schedule, executionID string, firedAt time.Time) {
	event := ScheduleFired{
		ScheduleID:   schedule.ID,
		ScheduleName: schedule.Name,
		WorkflowRef:  schedule.WorkflowRef,
		ExecutionID:  executionID,
		FiredAt:      firedAt,
		NextRun:      schedule.NextRun,
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal schedule event",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return
	}
	p.enqueue(ScheduleFiredSubject, data)
}

// Subscribe delivers decoded executions published on subject until ctx ends
func (p *Publisher) Subscribe(ctx context.Context, subject string, handler func(*model.Execution)) error {
	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var exec model.Execution
		if err := json.Unmarshal(msg.Data, &exec); err != nil {
			p.logger.Error("Failed to unmarshal execution", zap.Error(err))
			return
		}
		handler(&exec)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (p *Publisher) enqueue(subject string, data []byte) {
	select {
	case p.queue <- envelope{subject: subject, data: data}:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Warn("Event buffer full, dropping event", zap.String("subject", subject))
	}
}

func (p *Publisher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env := <-p.queue:
			p.publish(env)
		case <-ctx.Done():
			p.drain()
			return
		case <-stop:
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case env := <-p.queue:
			p.publish(env)
		default:
			return
		}
	}
}

func (p *Publisher) publish(env envelope) {
	if _, err := p.js.Publish(env.subject, env.data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", env.subject),
			zap.Error(err))
		return
	}
	p.logger.Debug("Event published", zap.String("subject", env.subject))
}
