package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := NewLoader(zaptest.NewLogger(t)).Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "flowsched", cfg.App.Name)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.CheckInterval())
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentExecutions)
	assert.Equal(t, 1, cfg.Scheduler.MaxConcurrentExecutionsPerSchedule)
	assert.True(t, cfg.Scheduler.EnablePersistence)
	assert.Equal(t, "schedules.json", cfg.Scheduler.SchedulesFile)

	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentWorkflows)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.PollInterval())
	assert.Equal(t, time.Hour, cfg.Orchestrator.DefaultTimeout())
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.DefaultRetryDelay())
	assert.Equal(t, "fixed", cfg.Orchestrator.RetryStrategy)
	assert.Equal(t, 1000, cfg.Orchestrator.HistoryLimit)
	assert.Equal(t, 8.0, cfg.Orchestrator.Resources.CPUCores)
	assert.Equal(t, 16384.0, cfg.Orchestrator.Resources.MemoryMB)

	assert.Equal(t, 30*24*time.Hour, cfg.History.Retention())
	assert.Equal(t, "shell", cfg.Workflows.DefaultScheme)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 90.0, cfg.Health.CPUThreshold)
	assert.Equal(t, 30, cfg.Alerts.RatePerMinute)
	assert.Equal(t, 587, cfg.Alerts.Email.Port)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app:
  log_level: debug
scheduler:
  check_interval_seconds: 10
orchestrator:
  max_concurrent_workflows: 3
  retry_strategy: exponential
  resources:
    cpu_cores: 4
    custom_resources:
      gpu: 2
nats:
  enabled: true
  reconnect_wait: 500ms
alerts:
  email:
    host: smtp.example.com
    to: [oncall@example.com]
`)
	t.Setenv("FLOWSCHED_SCHEDULER_MAX_CONCURRENT_EXECUTIONS", "7")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--config", path, "--log-level", "warn"}))

	loader := NewLoader(zaptest.NewLogger(t))
	cfg, err := loader.Load(fs)
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFile())

	assert.Equal(t, "warn", cfg.App.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.CheckInterval())
	assert.Equal(t, 7, cfg.Scheduler.MaxConcurrentExecutions)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrentWorkflows)
	assert.Equal(t, "exponential", cfg.Orchestrator.RetryStrategy)
	assert.Equal(t, 4.0, cfg.Orchestrator.Resources.CPUCores)
	assert.Equal(t, 16384.0, cfg.Orchestrator.Resources.MemoryMB)
	assert.Equal(t, map[string]float64{"gpu": 2}, cfg.Orchestrator.Resources.CustomResources)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.True(t, cfg.Alerts.Email.Enabled())
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		fs := Flags()
		require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
		_, err := NewLoader(zaptest.NewLogger(t)).Load(fs)
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
app:
  log_level: loud
scheduler:
  max_concurrent_executions: 0
orchestrator:
  retry_strategy: random
  resources:
    memory_mb: -1
`)
		fs := Flags()
		require.NoError(t, fs.Parse([]string{"--config", path}))
		_, err := NewLoader(zaptest.NewLogger(t)).Load(fs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.max_concurrent_executions must be positive")
		assert.Contains(t, err.Error(), "retry_strategy \"random\"")
		assert.Contains(t, err.Error(), "orchestrator.resources.memory_mb must not be negative")
		assert.Contains(t, err.Error(), "app.log_level")
	})
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "orchestrator:\n  max_concurrent_workflows: 2\n")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--config", path}))

	loader := NewLoader(zaptest.NewLogger(t))
	cfg, err := loader.Load(fs)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Orchestrator.MaxConcurrentWorkflows)

	updates := make(chan [2]int, 4)
	loader.Watch(func(old, updated *Config) {
		updates <- [2]int{old.Orchestrator.MaxConcurrentWorkflows, updated.Orchestrator.MaxConcurrentWorkflows}
	})

	// replace the file atomically so the watcher never sees a partial write
	tmp := filepath.Join(dir, "config.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("orchestrator:\n  max_concurrent_workflows: 9\n"), 0644))
	require.NoError(t, os.Rename(tmp, path))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u[1] != 9 {
				continue
			}
			assert.Equal(t, 2, u[0])
			return
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(AppConfig{Name: "flowsched", LogLevel: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(AppConfig{LogLevel: "verbose"})
	assert.Error(t, err)
}
