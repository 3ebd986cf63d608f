package model

import (
	"time"
)

// ScheduleType represents how a schedule expression is interpreted
type ScheduleType string

const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeOneTime  ScheduleType = "one_time"
)

// Schedule represents a persisted definition of when and how to trigger a workflow
type Schedule struct {
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	WorkflowRef       string               `json:"workflow_ref"`
	Type              ScheduleType         `json:"schedule_type"`
	Expression        string               `json:"schedule_expression"`
	Timezone          string               `json:"timezone"`
	Enabled           bool                 `json:"enabled"`
	MaxInstances      int                  `json:"max_instances"`
	TimeoutMinutes    int                  `json:"timeout_minutes"`
	MaxRetries        int                  `json:"max_retries"`
	RetryDelayMinutes int                  `json:"retry_delay_minutes"`
	Variables         map[string]any       `json:"variables,omitempty"`
	Tags              map[string]string    `json:"tags,omitempty"`
	Dependencies      []Dependency         `json:"dependencies,omitempty"`
	Resources         *ResourceRequirement `json:"resources,omitempty"`

	// Statistics
	RunCount     int `json:"run_count"`
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	// Timing fields
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the schedule
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Variables = cloneVariables(s.Variables)
	if s.Tags != nil {
		c.Tags = make(map[string]string, len(s.Tags))
		for k, v := range s.Tags {
			c.Tags[k] = v
		}
	}
	if s.Dependencies != nil {
		c.Dependencies = append([]Dependency(nil), s.Dependencies...)
	}
	if s.Resources != nil {
		r := s.Resources.Clone()
		c.Resources = &r
	}
	c.LastRun = cloneTime(s.LastRun)
	c.NextRun = cloneTime(s.NextRun)
	return &c
}

// SchedulePatch holds the fields to change on an existing schedule.
// Nil fields are left untouched.
type SchedulePatch struct {
	Name              *string              `json:"name,omitempty"`
	WorkflowRef       *string              `json:"workflow_ref,omitempty"`
	Type              *ScheduleType        `json:"schedule_type,omitempty"`
	Expression        *string              `json:"schedule_expression,omitempty"`
	Timezone          *string              `json:"timezone,omitempty"`
	Enabled           *bool                `json:"enabled,omitempty"`
	MaxInstances      *int                 `json:"max_instances,omitempty"`
	TimeoutMinutes    *int                 `json:"timeout_minutes,omitempty"`
	MaxRetries        *int                 `json:"max_retries,omitempty"`
	RetryDelayMinutes *int                 `json:"retry_delay_minutes,omitempty"`
	Variables         map[string]any       `json:"variables,omitempty"`
	Tags              map[string]string    `json:"tags,omitempty"`
	Dependencies      []Dependency         `json:"dependencies,omitempty"`
	Resources         *ResourceRequirement `json:"resources,omitempty"`
}

// ChangesTiming reports whether the patch touches fields that feed next-run resolution
func (p SchedulePatch) ChangesTiming() bool {
	return p.Type != nil || p.Expression != nil || p.Timezone != nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneVariables(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
