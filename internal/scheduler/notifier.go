package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

// StatusListener receives a copy of an execution after each status transition
type StatusListener func(*model.Execution)

// notifier delivers transition snapshots to listeners on its own goroutine,
// in the order the transitions happened
type notifier struct {
	logger *zap.Logger

	mu        sync.Mutex
	queue     []*model.Execution
	listeners []StatusListener

	wake      chan struct{}
	syncs     chan chan struct{}
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newNotifier(logger *zap.Logger) *notifier {
	n := &notifier{
		logger: logger,
		wake:   make(chan struct{}, 1),
		syncs:  make(chan chan struct{}),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(l StatusListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *notifier) push(events ...*model.Execution) {
	if len(events) == 0 {
		return
	}

	n.mu.Lock()
	n.queue = append(n.queue, events...)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.wake:
			n.flush()
		case ack := <-n.syncs:
			n.flush()
			close(ack)
		case <-n.closed:
			n.flush()
			return
		}
	}
}

func (n *notifier) flush() {
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		listeners := append([]StatusListener(nil), n.listeners...)
		n.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			for _, l := range listeners {
				n.deliver(l, event)
			}
		}
	}
}

func (n *notifier) deliver(l StatusListener, event *model.Execution) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Status listener panicked",
				zap.String("execution_id", event.ID),
				zap.Any("panic", r))
		}
	}()
	l(event.Clone())
}

// sync returns once every event pushed before the call has been delivered.
// The goroutine keeps running.
func (n *notifier) sync() {
	ack := make(chan struct{})
	select {
	case n.syncs <- ack:
		<-ack
	case <-n.done:
	}
}

// close delivers whatever is queued and stops the goroutine
func (n *notifier) close() {
	n.closeOnce.Do(func() {
		close(n.closed)
	})
	<-n.done
}
