package scheduler

import "time"

const (
	// DefaultCheckInterval is how often the dispatcher looks for due schedules
	DefaultCheckInterval = 30 * time.Second

	// DefaultPollInterval is how often the supervisor runs admission
	DefaultPollInterval = 5 * time.Second

	DefaultMaxConcurrentExecutions = 10
	DefaultMaxInstances            = 1
	DefaultMaxConcurrentWorkflows  = 5

	DefaultTimeout    = 60 * time.Minute
	DefaultRetryDelay = 30 * time.Second

	// DefaultHistoryLimit bounds the in-memory history of terminal executions
	DefaultHistoryLimit = 1000

	dispatcherFaultBackoff = 60 * time.Second
	supervisorFaultBackoff = 10 * time.Second

	defaultTimezone = "UTC"
)
