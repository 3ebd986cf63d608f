package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/flowsched/internal/model"
)

func finished(workflowID string, status model.ExecutionStatus) *model.Execution {
	return &model.Execution{WorkflowID: workflowID, Status: status}
}

func TestDependencyResolver_Kinds(t *testing.T) {
	r := NewDependencyResolver()

	tests := []struct {
		name   string
		kind   model.DependencyKind
		latest model.ExecutionStatus
		want   bool
	}{
		{"success after completed", model.DependencySuccess, model.ExecutionStatusCompleted, true},
		{"success after failed", model.DependencySuccess, model.ExecutionStatusFailed, false},
		{"completion after completed", model.DependencyCompletion, model.ExecutionStatusCompleted, true},
		{"completion after failed", model.DependencyCompletion, model.ExecutionStatusFailed, true},
		{"failure after failed", model.DependencyFailure, model.ExecutionStatusFailed, true},
		{"failure after completed", model.DependencyFailure, model.ExecutionStatusCompleted, false},
		{"success after cancelled", model.DependencySuccess, model.ExecutionStatusCancelled, false},
		{"completion after cancelled", model.DependencyCompletion, model.ExecutionStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := []model.Dependency{{DependsOnWorkflowID: "extract", Kind: tt.kind}}
			history := []*model.Execution{finished("extract", tt.latest)}
			assert.Equal(t, tt.want, r.Satisfied(deps, history))
		})
	}
}

func TestDependencyResolver_MostRecentWins(t *testing.T) {
	r := NewDependencyResolver()
	deps := []model.Dependency{{DependsOnWorkflowID: "extract", Kind: model.DependencySuccess}}

	history := []*model.Execution{
		finished("extract", model.ExecutionStatusCompleted),
		finished("other", model.ExecutionStatusCompleted),
		finished("extract", model.ExecutionStatusFailed),
	}
	assert.False(t, r.Satisfied(deps, history))

	history = append(history, finished("extract", model.ExecutionStatusCompleted))
	assert.True(t, r.Satisfied(deps, history))

	// a later cancelled run hides the completed one
	history = append(history, finished("extract", model.ExecutionStatusCancelled))
	assert.False(t, r.Satisfied(deps, history))
	completion := []model.Dependency{{DependsOnWorkflowID: "extract", Kind: model.DependencyCompletion}}
	assert.False(t, r.Satisfied(completion, history))
}

func TestDependencyResolver_NoHistoryFailsClosed(t *testing.T) {
	r := NewDependencyResolver()
	deps := []model.Dependency{
		{DependsOnWorkflowID: "extract", Kind: model.DependencyCompletion},
		{DependsOnWorkflowID: "transform", Kind: model.DependencySuccess},
	}
	history := []*model.Execution{finished("extract", model.ExecutionStatusFailed)}

	assert.False(t, r.Satisfied(deps, history))
	assert.Equal(t, []model.Dependency{deps[1]}, r.Unsatisfied(deps, history))
	assert.True(t, r.Satisfied(nil, nil))
}
