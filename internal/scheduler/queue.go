package scheduler

import (
	"github.com/t77yq/flowsched/internal/model"
)

// pendingQueue holds executions waiting for admission in submission order.
// It is guarded by the supervisor mutex.
type pendingQueue struct {
	items []*model.Execution
}

// Len returns the length of the queue
func (q *pendingQueue) Len() int {
	return len(q.items)
}

// Push appends an execution to the tail
func (q *pendingQueue) Push(e *model.Execution) {
	q.items = append(q.items, e)
}

// Remove drops the execution with the given ID and reports whether it was queued
func (q *pendingQueue) Remove(id string) bool {
	for i, e := range q.items {
		if e.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the queued executions head first
func (q *pendingQueue) Snapshot() []*model.Execution {
	return append([]*model.Execution(nil), q.items...)
}
