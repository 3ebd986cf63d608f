package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/config"
	"github.com/t77yq/flowsched/internal/events"
	"github.com/t77yq/flowsched/internal/executor"
	"github.com/t77yq/flowsched/internal/handler"
	"github.com/t77yq/flowsched/internal/model"
	"github.com/t77yq/flowsched/internal/monitor"
	"github.com/t77yq/flowsched/internal/scheduler"
	"github.com/t77yq/flowsched/internal/storage"
)

const (
	shutdownTimeout  = 30 * time.Second
	retentionPeriod  = 24 * time.Hour
	natsConnectTries = 5
)

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}

	bootstrap, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	loader := config.NewLoader(bootstrap)
	cfg, err := loader.Load(flags)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := config.NewLogger(cfg.App)
	if err != nil {
		bootstrap.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, loader, logger); err != nil {
		logger.Fatal("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server shut down gracefully")
}

func run(cfg *config.Config, loader *config.Loader, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Execution logs and workflow handlers
	logs, err := executor.NewLogManager(executor.LogConfig{
		LogDir:      cfg.Workflows.LogDir,
		MaxFileSize: int64(cfg.Workflows.MaxLogSizeMB) << 20,
		MaxAge:      time.Duration(cfg.Workflows.MaxLogAgeHours) * time.Hour,
	}, logger)
	if err != nil {
		return err
	}
	if err := logs.Start(ctx); err != nil {
		return err
	}
	defer logs.Stop()

	registry := executor.NewRegistry(cfg.Workflows.DefaultScheme, logs, logger)
	registry.RegisterHandler("shell", handler.NewShellCommandHandler(cfg.Workflows.Dir, logs, logger))
	registry.RegisterHandler("http", handler.NewHTTPRequestHandler(time.Duration(cfg.Workflows.HTTPTimeoutSecs)*time.Second, logger))
	if cfg.Workflows.EnableContainer {
		docker, err := handler.NewDockerClient()
		if err != nil {
			return err
		}
		defer docker.Close()
		registry.RegisterHandler("container", handler.NewContainerHandler(docker, logs, logger))
	}
	logger.Info("Workflow handlers registered", zap.Strings("schemes", registry.Schemes()))

	// Storage
	var backend scheduler.ScheduleBackend
	var scheduleFile *storage.ScheduleFile
	if cfg.Scheduler.EnablePersistence {
		scheduleFile = storage.NewScheduleFile(cfg.Scheduler.SchedulesFile, logger)
		backend = scheduleFile
	}

	var history scheduler.HistoryStore
	var historyDB *storage.SQLiteExecutionHistory
	if cfg.History.Enabled {
		historyDB, err = storage.NewSQLiteExecutionHistory(logger, cfg.History.DBPath)
		if err != nil {
			return err
		}
		defer historyDB.Close()
		history = historyDB
	}

	// Engine
	engine, err := scheduler.NewEngine(registry, registry, backend, history, engineOptions(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Messaging
	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}

		publisher, err := events.NewPublisher(js, logger, 0)
		if err != nil {
			return err
		}
		publisher.Start(ctx)
		defer publisher.Stop()

		engine.OnStatusChange(publisher.OnStatusChange)
		engine.OnScheduleFired(publisher.OnScheduleFired)
	}

	// Alerting
	alerts := monitor.NewAlertManager(js, logger)
	addNotificationChannels(alerts, cfg.Alerts, logger)
	if err := addDefaultRules(alerts); err != nil {
		return err
	}
	if err := alerts.Start(ctx); err != nil {
		return err
	}
	defer alerts.Stop()
	if js == nil {
		engine.OnStatusChange(alerts.HandleExecution)
	}

	// Health
	health := monitor.NewHealthChecker(js, time.Duration(cfg.Health.IntervalSeconds)*time.Second, monitor.Thresholds{
		CPU:      cfg.Health.CPUThreshold,
		Memory:   cfg.Health.MemoryThreshold,
		Disk:     cfg.Health.DiskThreshold,
		DiskPath: cfg.Health.DiskPath,
	}, logger)
	health.AddProbe("config", monitor.ErrorProbe("configuration valid", cfg.Validate))
	if scheduleFile != nil {
		health.AddProbe("storage", monitor.ErrorProbe("schedule storage writable", scheduleFile.Writable))
	}
	if historyDB != nil {
		health.AddProbe("history", monitor.PingProbe("history database reachable", historyDB.Ping))
	}
	health.OnSample(alerts.EvaluateHost)

	report := health.Check(ctx)
	logger.Info("Initial health check",
		zap.Bool("healthy", report.Healthy),
		zap.Any("checks", report.Checks))

	// Start
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	health.Start(ctx)
	defer health.Stop()

	loader.Watch(func(old, updated *config.Config) {
		if old.Orchestrator.MaxConcurrentWorkflows == updated.Orchestrator.MaxConcurrentWorkflows &&
			old.Scheduler.MaxConcurrentExecutions == updated.Scheduler.MaxConcurrentExecutions {
			return
		}
		engine.SetLimits(updated.Orchestrator.MaxConcurrentWorkflows, updated.Scheduler.MaxConcurrentExecutions)
	})

	if historyDB != nil && cfg.History.RetentionDays > 0 {
		go retentionLoop(ctx, historyDB, cfg.History.Retention(), logger)
	}

	status := engine.Status()
	logger.Info("Server started",
		zap.Int("schedules", status.Dispatcher.Schedules),
		zap.Int("enabled_schedules", status.Dispatcher.EnabledSchedules),
		zap.Bool("nats", js != nil))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("Engine stopped with errors, some executions may not have completed", zap.Error(err))
	}
	engine.Close()
	return nil
}

func engineOptions(cfg *config.Config) scheduler.EngineOptions {
	var strategy scheduler.RetryStrategy = scheduler.FixedDelay{}
	if cfg.Orchestrator.RetryStrategy == "exponential" {
		strategy = &scheduler.ExponentialBackoff{
			MaxDelay:   cfg.Orchestrator.RetryMaxDelay(),
			Multiplier: cfg.Orchestrator.RetryMultiplier,
		}
	}

	opts := scheduler.EngineOptions{
		Supervisor: scheduler.SupervisorOptions{
			MaxConcurrentWorkflows: cfg.Orchestrator.MaxConcurrentWorkflows,
			PollInterval:           cfg.Orchestrator.PollInterval(),
			DefaultTimeout:         cfg.Orchestrator.DefaultTimeout(),
			DefaultRetryDelay:      cfg.Orchestrator.DefaultRetryDelay(),
			HistoryLimit:           cfg.Orchestrator.HistoryLimit,
			RetryStrategy:          strategy,
		},
		Dispatcher: scheduler.DispatcherOptions{
			CheckInterval:           cfg.Scheduler.CheckInterval(),
			MaxConcurrentExecutions: cfg.Scheduler.MaxConcurrentExecutions,
		},
		DefaultMaxInstances: cfg.Scheduler.MaxConcurrentExecutionsPerSchedule,
	}
	if cfg.Orchestrator.EnableResourceManagement {
		capacity := cfg.Orchestrator.Resources.Clone()
		opts.Capacity = &capacity
	}
	return opts
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	servers := strings.Join(cfg.NATS.URLs, ",")

	var nc *nats.Conn
	var err error
	for i := 0; i < natsConnectTries; i++ {
		nc, err = nats.Connect(servers, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func addNotificationChannels(alerts *monitor.AlertManager, cfg config.AlertsConfig, logger *zap.Logger) {
	if cfg.WebhookURL != "" {
		alerts.AddChannel("webhook", monitor.NewThrottledChannel(
			monitor.NewWebhookChannel(cfg.WebhookURL, 10*time.Second), cfg.RatePerMinute, logger))
	}
	if cfg.Email.Enabled() {
		alerts.AddChannel("email", monitor.NewThrottledChannel(
			monitor.NewEmailChannel(cfg.Email), cfg.RatePerMinute, logger))
	}
}

func addDefaultRules(alerts *monitor.AlertManager) error {
	rules := []*model.AlertRule{
		{Name: "Execution failure", Type: model.AlertTypeExecutionFailure, Severity: model.AlertSeverityError},
		{Name: "Execution timeout", Type: model.AlertTypeTimeout, Severity: model.AlertSeverityWarning},
	}
	for _, rule := range rules {
		if err := alerts.AddRule(rule); err != nil {
			return fmt.Errorf("failed to add alert rule %q: %w", rule.Name, err)
		}
	}
	return nil
}

// retentionLoop deletes history rows older than retention once a day
func retentionLoop(ctx context.Context, history *storage.SQLiteExecutionHistory, retention time.Duration, logger *zap.Logger) {
	sweep := func() {
		cutoff := time.Now().Add(-retention)
		deleted, err := history.DeleteBefore(ctx, cutoff)
		if err != nil {
			logger.Error("Failed to cleanup old execution history", zap.Error(err))
			return
		}
		if deleted > 0 {
			logger.Info("Cleaned up old execution history",
				zap.Int64("deleted", deleted),
				zap.Time("cutoff", cutoff))
		}
	}

	sweep()
	ticker := time.NewTicker(retentionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
