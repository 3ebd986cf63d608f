package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

const (
	MetricsSubject   = "metrics.system"
	cpuSampleWindow  = 500 * time.Millisecond
	defaultThreshold = 90.0
	defaultInterval  = time.Minute
)

// Probe is a named health probe
type Probe func(ctx context.Context) model.HealthCheck

// HostSampler reads current host utilisation
type HostSampler func(ctx context.Context) (*model.HostStats, error)

// Thresholds are the host utilisation percentages above which the host is unhealthy
type Thresholds struct {
	CPU      float64
	Memory   float64
	Disk     float64
	DiskPath string
}

func (t Thresholds) withDefaults() Thresholds {
	if t.CPU <= 0 {
		t.CPU = defaultThreshold
	}
	if t.Memory <= 0 {
		t.Memory = defaultThreshold
	}
	if t.Disk <= 0 {
		t.Disk = defaultThreshold
	}
	if t.DiskPath == "" {
		t.DiskPath = "."
	}
	return t
}

// HealthChecker runs health probes and host sampling, periodically
// publishing the report on metrics.system
type HealthChecker struct {
	logger     *zap.Logger
	js         nats.JetStreamContext
	interval   time.Duration
	thresholds Thresholds
	sampler    HostSampler

	mu        sync.RWMutex
	probes    map[string]Probe
	listeners []func(*model.HostStats)
	last      *model.HealthReport
	stop      chan struct{}
	done      chan struct{}
}

// NewHealthChecker creates a health checker; js may be nil
func NewHealthChecker(js nats.JetStreamContext, interval time.Duration, thresholds Thresholds, logger *zap.Logger) *HealthChecker {
	thresholds = thresholds.withDefaults()
	if interval <= 0 {
		interval = defaultInterval
	}
	return &HealthChecker{
		logger:     logger.Named("health-checker"),
		js:         js,
		interval:   interval,
		thresholds: thresholds,
		sampler:    gopsutilSampler(thresholds.DiskPath),
		probes:     make(map[string]Probe),
	}
}

// AddProbe registers a named probe, replacing any probe with the same name
func (c *HealthChecker) AddProbe(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// OnSample registers a listener for every host sample taken by the loop
func (c *HealthChecker) OnSample(listener func(*model.HostStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Last returns the most recent report produced by the loop
func (c *HealthChecker) Last() *model.HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Check runs every probe plus the host check and aggregates the result
func (c *HealthChecker) Check(ctx context.Context) *model.HealthReport {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()
	sort.Strings(names)

	report := &model.HealthReport{
		Healthy:   true,
		Checks:    make(map[string]model.HealthCheck, len(names)+1),
		CheckedAt: time.Now().UTC(),
	}
	for _, name := range names {
		result := probes[name](ctx)
		report.Checks[name] = result
		if !result.Healthy {
			report.Healthy = false
		}
	}

	stats, err := c.sampler(ctx)
	if err != nil {
		report.Checks["host"] = model.HealthCheck{Healthy: false, Message: err.Error()}
		report.Healthy = false
		return report
	}
	report.Host = stats

	host := c.evaluateHost(stats)
	report.Checks["host"] = host
	if !host.Healthy {
		report.Healthy = false
	}
	return report
}

func (c *HealthChecker) evaluateHost(stats *model.HostStats) model.HealthCheck {
	switch {
	case stats.CPUUsage > c.thresholds.CPU:
		return model.HealthCheck{Message: fmt.Sprintf("high CPU usage: %.1f%%", stats.CPUUsage)}
	case stats.MemoryUsage > c.thresholds.Memory:
		return model.HealthCheck{Message: fmt.Sprintf("high memory usage: %.1f%%", stats.MemoryUsage)}
	case stats.DiskUsage > c.thresholds.Disk:
		return model.HealthCheck{Message: fmt.Sprintf("high disk usage: %.1f%%", stats.DiskUsage)}
	}
	return model.HealthCheck{
		Healthy: true,
		Message: fmt.Sprintf("cpu %.1f%%, memory %.1f%%, disk %.1f%%", stats.CPUUsage, stats.MemoryUsage, stats.DiskUsage),
	}
}

// Start launches the periodic check loop
func (c *HealthChecker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	c.logger.Info("Starting health checker", zap.Duration("interval", c.interval))
	go c.loop(ctx, stop, done)
}

// Stop stops the loop and waits for it to exit
func (c *HealthChecker) Stop() {
	c.mu.Lock()
	if c.stop == nil {
		c.mu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	close(stop)
	<-done
	c.logger.Info("Health checker stopped")
}

func (c *HealthChecker) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *HealthChecker) collect(ctx context.Context) {
	report := c.Check(ctx)

	c.mu.Lock()
	c.last = report
	listeners := append(([]func(*model.HostStats))(nil), c.listeners...)
	c.mu.Unlock()

	if !report.Healthy {
		c.logger.Warn("Health check failed", zap.Any("checks", report.Checks))
	}

	if report.Host != nil {
		for _, l := range listeners {
			l(report.Host)
		}
	}

	if c.js == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		c.logger.Error("Failed to marshal health report", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(MetricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics collected",
		zap.Bool("healthy", report.Healthy),
		zap.Int("checks", len(report.Checks)))
}

func gopsutilSampler(diskPath string) HostSampler {
	return func(ctx context.Context) (*model.HostStats, error) {
		cpuPercent, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get CPU usage: %w", err)
		}
		if len(cpuPercent) == 0 {
			return nil, fmt.Errorf("failed to get CPU usage: no samples")
		}

		memInfo, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get memory usage: %w", err)
		}

		diskInfo, err := disk.UsageWithContext(ctx, diskPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get disk usage: %w", err)
		}

		return &model.HostStats{
			CPUUsage:    cpuPercent[0],
			MemoryUsage: memInfo.UsedPercent,
			DiskUsage:   diskInfo.UsedPercent,
			CollectedAt: time.Now().UTC(),
		}, nil
	}
}

// ErrorProbe adapts a function returning an error into a Probe
func ErrorProbe(okMessage string, fn func() error) Probe {
	return func(context.Context) model.HealthCheck {
		if err := fn(); err != nil {
			return model.HealthCheck{Message: err.Error()}
		}
		return model.HealthCheck{Healthy: true, Message: okMessage}
	}
}

// PingProbe adapts a context-aware check such as a database ping into a Probe
func PingProbe(okMessage string, fn func(ctx context.Context) error) Probe {
	return func(ctx context.Context) model.HealthCheck {
		if err := fn(ctx); err != nil {
			return model.HealthCheck{Message: err.Error()}
		}
		return model.HealthCheck{Healthy: true, Message: okMessage}
	}
}
