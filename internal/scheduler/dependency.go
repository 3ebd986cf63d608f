package scheduler

import (
	"github.com/t77yq/flowsched/internal/model"
)

// DependencyResolver decides whether an execution's dependencies are met
// by the most recent terminal run of each referenced workflow
type DependencyResolver struct{}

// NewDependencyResolver creates a dependency resolver
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{}
}

// Satisfied reports whether every dependency holds against history.
// history is ordered oldest first.
func (r *DependencyResolver) Satisfied(deps []model.Dependency, history []*model.Execution) bool {
	for _, dep := range deps {
		if !r.holds(dep, history) {
			return false
		}
	}
	return true
}

// Unsatisfied returns the dependencies that do not hold
func (r *DependencyResolver) Unsatisfied(deps []model.Dependency, history []*model.Execution) []model.Dependency {
	var missing []model.Dependency
	for _, dep := range deps {
		if !r.holds(dep, history) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (r *DependencyResolver) holds(dep model.Dependency, history []*model.Execution) bool {
	latest := latestRun(dep.DependsOnWorkflowID, history)
	if latest == nil {
		return false
	}

	switch dep.Kind {
	case model.DependencySuccess:
		return latest.Status == model.ExecutionStatusCompleted
	case model.DependencyCompletion:
		return latest.Status == model.ExecutionStatusCompleted || latest.Status == model.ExecutionStatusFailed
	case model.DependencyFailure:
		return latest.Status == model.ExecutionStatusFailed
	}
	return false
}

// latestRun returns the most recent terminal run of a workflow. A cancelled
// run counts, so it hides older completed or failed runs.
func latestRun(workflowID string, history []*model.Execution) *model.Execution {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].WorkflowID == workflowID {
			return history[i]
		}
	}
	return nil
}
