package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
	"github.com/t77yq/flowsched/internal/monitor"
)

const EnvPrefix = "FLOWSCHED"

// Config is the complete server configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	History      HistoryConfig      `mapstructure:"history"`
	Workflows    WorkflowsConfig    `mapstructure:"workflows"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Health       HealthConfig       `mapstructure:"health"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

type SchedulerConfig struct {
	CheckIntervalSeconds               int    `mapstructure:"check_interval_seconds"`
	MaxConcurrentExecutions            int    `mapstructure:"max_concurrent_executions"`
	MaxConcurrentExecutionsPerSchedule int    `mapstructure:"max_concurrent_executions_per_schedule"`
	EnablePersistence                  bool   `mapstructure:"enable_persistence"`
	SchedulesFile                      string `mapstructure:"schedules_file"`
}

type OrchestratorConfig struct {
	MaxConcurrentWorkflows   int                       `mapstructure:"max_concurrent_workflows"`
	PollIntervalSeconds      int                       `mapstructure:"poll_interval_seconds"`
	DefaultTimeoutMinutes    int                       `mapstructure:"default_timeout_minutes"`
	DefaultRetryDelaySeconds int                       `mapstructure:"default_retry_delay_seconds"`
	RetryStrategy            string                    `mapstructure:"retry_strategy"`
	RetryMultiplier          float64                   `mapstructure:"retry_multiplier"`
	RetryMaxDelayMinutes     int                       `mapstructure:"retry_max_delay_minutes"`
	HistoryLimit             int                       `mapstructure:"history_limit"`
	EnableResourceManagement bool                      `mapstructure:"enable_resource_management"`
	Resources                model.ResourceRequirement `mapstructure:"resources"`
}

type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DBPath        string `mapstructure:"db_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type WorkflowsConfig struct {
	Dir             string `mapstructure:"dir"`
	DefaultScheme   string `mapstructure:"default_scheme"`
	LogDir          string `mapstructure:"log_dir"`
	MaxLogSizeMB    int    `mapstructure:"max_log_size_mb"`
	MaxLogAgeHours  int    `mapstructure:"max_log_age_hours"`
	HTTPTimeoutSecs int    `mapstructure:"http_timeout_seconds"`
	EnableContainer bool   `mapstructure:"enable_container"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type HealthConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	CPUThreshold    float64 `mapstructure:"cpu_threshold"`
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
	DiskThreshold   float64 `mapstructure:"disk_threshold"`
	DiskPath        string  `mapstructure:"disk_path"`
}

type AlertsConfig struct {
	WebhookURL    string              `mapstructure:"webhook_url"`
	RatePerMinute int                 `mapstructure:"rate_per_minute"`
	Email         monitor.EmailConfig `mapstructure:"email"`
}

// CheckInterval returns the dispatcher tick period
func (c SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// PollInterval returns the supervisor tick period
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DefaultTimeout returns the timeout applied when a submission has none
func (c OrchestratorConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// DefaultRetryDelay returns the delay applied when a submission has none
func (c OrchestratorConfig) DefaultRetryDelay() time.Duration {
	return time.Duration(c.DefaultRetryDelaySeconds) * time.Second
}

// RetryMaxDelay caps exponential back-off
func (c OrchestratorConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMinutes) * time.Minute
}

// Retention returns how long terminal executions are kept in the history database
func (c HistoryConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate checks the values the server cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.CheckIntervalSeconds <= 0 {
		errs = append(errs, errors.New("scheduler.check_interval_seconds must be positive"))
	}
	if c.Scheduler.MaxConcurrentExecutions <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent_executions must be positive"))
	}
	if c.Scheduler.MaxConcurrentExecutionsPerSchedule <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent_executions_per_schedule must be positive"))
	}
	if c.Scheduler.EnablePersistence && c.Scheduler.SchedulesFile == "" {
		errs = append(errs, errors.New("scheduler.schedules_file is required when persistence is enabled"))
	}
	if c.Orchestrator.MaxConcurrentWorkflows <= 0 {
		errs = append(errs, errors.New("orchestrator.max_concurrent_workflows must be positive"))
	}
	if c.Orchestrator.PollIntervalSeconds <= 0 {
		errs = append(errs, errors.New("orchestrator.poll_interval_seconds must be positive"))
	}
	if c.Orchestrator.DefaultTimeoutMinutes <= 0 {
		errs = append(errs, errors.New("orchestrator.default_timeout_minutes must be positive"))
	}
	if c.Orchestrator.DefaultRetryDelaySeconds < 0 {
		errs = append(errs, errors.New("orchestrator.default_retry_delay_seconds must not be negative"))
	}
	switch c.Orchestrator.RetryStrategy {
	case "fixed":
	case "exponential":
		if c.Orchestrator.RetryMultiplier < 1 {
			errs = append(errs, errors.New("orchestrator.retry_multiplier must be at least 1"))
		}
	default:
		errs = append(errs, fmt.Errorf("orchestrator.retry_strategy %q is not one of fixed, exponential", c.Orchestrator.RetryStrategy))
	}
	if name, ok := c.Orchestrator.Resources.Negative(); ok {
		errs = append(errs, fmt.Errorf("orchestrator.resources.%s must not be negative", name))
	}
	if c.History.Enabled && c.History.DBPath == "" {
		errs = append(errs, errors.New("history.db_path is required when history is enabled"))
	}
	if c.Workflows.DefaultScheme == "" {
		errs = append(errs, errors.New("workflows.default_scheme is required"))
	}
	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		errs = append(errs, errors.New("nats.urls is required when nats is enabled"))
	}
	if c.Health.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("health.interval_seconds must be positive"))
	}
	if _, err := zapLevel(c.App.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Loader reads configuration from file, environment and flags
type Loader struct {
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader with every default registered
func NewLoader(logger *zap.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, logger: logger.Named("config")}
}

// Flags returns the command line flags understood by the loader
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("flowsched", pflag.ContinueOnError)
	fs.String("config", "", "path to the configuration file (default ./config/config.yaml)")
	fs.String("log-level", "", "log level override (debug, info, warn, error)")
	return fs
}

// Load reads the config file, if any, and returns the validated configuration.
// A missing default file is not an error; a missing explicit file is.
func (l *Loader) Load(fs *pflag.FlagSet) (*Config, error) {
	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
		if f := fs.Lookup("log-level"); f != nil {
			if err := l.v.BindPFlag("app.log_level", f); err != nil {
				return nil, fmt.Errorf("failed to bind flag: %w", err)
			}
		}
	}

	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath("./config")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		l.logger.Info("No config file found, using defaults")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration when the file changes and hands every
// valid new version to apply. Invalid versions are logged and ignored.
func (l *Loader) Watch(apply func(old, updated *Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		updated, err := l.decode()
		if err != nil {
			l.logger.Warn("Ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}

		l.mu.Lock()
		old := l.current
		l.current = updated
		l.mu.Unlock()

		l.logger.Info("Configuration reloaded", zap.String("file", e.Name))
		apply(old, updated)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flowsched")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.development", false)

	v.SetDefault("scheduler.check_interval_seconds", 30)
	v.SetDefault("scheduler.max_concurrent_executions", 10)
	v.SetDefault("scheduler.max_concurrent_executions_per_schedule", 1)
	v.SetDefault("scheduler.enable_persistence", true)
	v.SetDefault("scheduler.schedules_file", "schedules.json")

	capacity := model.DefaultCapacity()
	v.SetDefault("orchestrator.max_concurrent_workflows", 5)
	v.SetDefault("orchestrator.poll_interval_seconds", 5)
	v.SetDefault("orchestrator.default_timeout_minutes", 60)
	v.SetDefault("orchestrator.default_retry_delay_seconds", 30)
	v.SetDefault("orchestrator.retry_strategy", "fixed")
	v.SetDefault("orchestrator.retry_multiplier", 2.0)
	v.SetDefault("orchestrator.retry_max_delay_minutes", 30)
	v.SetDefault("orchestrator.history_limit", 1000)
	v.SetDefault("orchestrator.enable_resource_management", true)
	v.SetDefault("orchestrator.resources.cpu_cores", capacity.CPUCores)
	v.SetDefault("orchestrator.resources.memory_mb", capacity.MemoryMB)
	v.SetDefault("orchestrator.resources.network_bandwidth_mbps", capacity.NetworkBandwidthMbps)
	v.SetDefault("orchestrator.resources.storage_gb", capacity.StorageGB)
	v.SetDefault("orchestrator.resources.custom_resources", map[string]float64{})

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "execution_history.db")
	v.SetDefault("history.retention_days", 30)

	v.SetDefault("workflows.dir", "./workflows")
	v.SetDefault("workflows.default_scheme", "shell")
	v.SetDefault("workflows.log_dir", "./logs/executions")
	v.SetDefault("workflows.max_log_size_mb", 100)
	v.SetDefault("workflows.max_log_age_hours", 168)
	v.SetDefault("workflows.http_timeout_seconds", 300)
	v.SetDefault("workflows.enable_container", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("health.interval_seconds", 60)
	v.SetDefault("health.cpu_threshold", 90.0)
	v.SetDefault("health.memory_threshold", 90.0)
	v.SetDefault("health.disk_threshold", 90.0)
	v.SetDefault("health.disk_path", ".")

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.rate_per_minute", 30)
	v.SetDefault("alerts.email.host", "")
	v.SetDefault("alerts.email.port", 587)
	v.SetDefault("alerts.email.username", "")
	v.SetDefault("alerts.email.password", "")
	v.SetDefault("alerts.email.from", "")
	v.SetDefault("alerts.email.to", []string{})
}
