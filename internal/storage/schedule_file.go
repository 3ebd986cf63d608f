package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

// ScheduleFile persists schedules as one JSON object keyed by schedule ID.
// Every save rewrites the whole file through a temporary file and a rename.
type ScheduleFile struct {
	logger *zap.Logger
	path   string
}

// NewScheduleFile creates a schedule file backend for path
func NewScheduleFile(path string, logger *zap.Logger) *ScheduleFile {
	return &ScheduleFile{
		logger: logger.Named("schedule-file"),
		path:   path,
	}
}

// Path returns the file location
func (f *ScheduleFile) Path() string {
	return f.path
}

// Load reads all schedules. A missing file yields an empty set.
func (f *ScheduleFile) Load() (map[string]*model.Schedule, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*model.Schedule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules file: %w", err)
	}

	schedules := make(map[string]*model.Schedule)
	if len(data) == 0 {
		return schedules, nil
	}
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, fmt.Errorf("failed to decode schedules file: %w", err)
	}
	return schedules, nil
}

// Save replaces the file contents with schedules
func (f *ScheduleFile) Save(schedules map[string]*model.Schedule) error {
	data, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schedules: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create schedules directory: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temporary schedules file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write schedules: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync schedules: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close schedules file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace schedules file: %w", err)
	}

	f.logger.Debug("Schedules saved",
		zap.String("path", f.path),
		zap.Int("count", len(schedules)))
	return nil
}

// Writable checks that the directory holding the file accepts new files
func (f *ScheduleFile) Writable() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create schedules directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".flowsched-probe-*")
	if err != nil {
		return fmt.Errorf("schedules directory is not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
