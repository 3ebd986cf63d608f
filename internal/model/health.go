package model

import "time"

// HostStats represents a sample of host resource usage
type HostStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	DiskUsage   float64   `json:"disk_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// HealthCheck is the outcome of one named health probe
type HealthCheck struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// HealthReport aggregates all health probes
type HealthReport struct {
	Healthy   bool                   `json:"healthy"`
	Checks    map[string]HealthCheck `json:"checks"`
	Host      *HostStats             `json:"host,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}
