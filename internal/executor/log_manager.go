package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level"`
	ExecutionID string    `json:"execution_id"`
	Message     string    `json:"message"`
	Data        any       `json:"data,omitempty"`
}

// LogConfig defines configuration for log management
type LogConfig struct {
	LogDir         string        // Directory to store log files
	MaxFileSize    int64         // Maximum size of a log file in bytes
	MaxAge         time.Duration // Maximum age of log files
	FlushInterval  time.Duration // Interval to flush logs to disk
	RotateInterval time.Duration
}

// LogManager buffers per-execution log entries and writes them as JSON lines
// to one file per execution
type LogManager struct {
	logger  *zap.Logger
	config  LogConfig
	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string][]LogEntry
	stop    chan struct{}
	once    sync.Once
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.RotateInterval <= 0 {
		config.RotateInterval = time.Hour
	}

	return &LogManager{
		logger:  logger.Named("log-manager"),
		config:  config,
		files:   make(map[string]*os.File),
		buffers: make(map[string][]LogEntry),
		stop:    make(chan struct{}),
	}, nil
}

// Start starts the flush and rotation loops
func (lm *LogManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting log manager", zap.String("dir", lm.config.LogDir))

	go lm.loop(ctx, lm.config.FlushInterval, lm.flushLogs)
	go lm.loop(ctx, lm.config.RotateInterval, lm.rotateLogs)

	return nil
}

// Stop flushes pending entries and closes all open files
func (lm *LogManager) Stop() {
	lm.logger.Info("Stopping log manager")
	lm.once.Do(func() { close(lm.stop) })

	lm.flushLogs()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	for id, file := range lm.files {
		file.Close()
		delete(lm.files, id)
	}
}

// AddLogEntry buffers an entry for the next flush
func (lm *LogManager) AddLogEntry(executionID string, entry LogEntry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.buffers[executionID] = append(lm.buffers[executionID], entry)
}

// Writer returns an io.Writer that turns every written line into a log entry
func (lm *LogManager) Writer(executionID, level string) io.Writer {
	return &lineWriter{lm: lm, executionID: executionID, level: level}
}

// CollectContainerLogs reads a multiplexed docker log stream until it ends
func (lm *LogManager) CollectContainerLogs(reader io.Reader, executionID string) error {
	scanner := NewDockerLogScanner(reader)
	for scanner.Scan() {
		level := "info"
		if scanner.Stream() == StreamStderr {
			level = "error"
		}
		lm.AddLogEntry(executionID, LogEntry{
			Timestamp:   time.Now(),
			Level:       level,
			ExecutionID: executionID,
			Message:     strings.TrimRight(scanner.Text(), "\n"),
		})
	}

	if err := scanner.Err(); err != nil {
		lm.logger.Error("Failed to read container logs",
			zap.String("execution_id", executionID),
			zap.Error(err))
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	return nil
}

// GetLogs returns the entries of an execution within [start, end]
func (lm *LogManager) GetLogs(executionID string, start, end time.Time) ([]LogEntry, error) {
	lm.flushLogs()

	file, err := os.Open(lm.logPath(executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []LogEntry
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}

		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			logs = append(logs, entry)
		}
	}

	return logs, nil
}

func (lm *LogManager) logPath(executionID string) string {
	return filepath.Join(lm.config.LogDir, fmt.Sprintf("%s.log", executionID))
}

func (lm *LogManager) createLogFile(executionID string) (*os.File, error) {
	file, err := os.OpenFile(lm.logPath(executionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return file, nil
}

func (lm *LogManager) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (lm *LogManager) flushLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for executionID, entries := range lm.buffers {
		if len(entries) == 0 {
			delete(lm.buffers, executionID)
			continue
		}

		file, ok := lm.files[executionID]
		if !ok {
			var err error
			file, err = lm.createLogFile(executionID)
			if err != nil {
				lm.logger.Error("Failed to create log file",
					zap.String("execution_id", executionID),
					zap.Error(err))
				continue
			}
			lm.files[executionID] = file
		}

		encoder := json.NewEncoder(file)
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				lm.logger.Error("Failed to write log entry",
					zap.String("execution_id", executionID),
					zap.Error(err))
			}
		}

		delete(lm.buffers, executionID)
	}
}

// rotateLogs removes files older than MaxAge and renames oversized ones
func (lm *LogManager) rotateLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()

	err := filepath.Walk(lm.config.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		id := strings.TrimSuffix(filepath.Base(path), ".log")
		if lm.config.MaxAge > 0 && now.Sub(info.ModTime()) > lm.config.MaxAge {
			lm.closeFile(id)
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to remove old log file",
					zap.String("path", path),
					zap.Error(err))
			}
			return nil
		}

		if lm.config.MaxFileSize > 0 && info.Size() > lm.config.MaxFileSize && strings.HasSuffix(path, ".log") {
			lm.closeFile(id)
			if err := os.Rename(path, path+".1"); err != nil {
				lm.logger.Error("Failed to rotate log file",
					zap.String("path", path),
					zap.Error(err))
			}
		}

		return nil
	})

	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
	}
}

func (lm *LogManager) closeFile(executionID string) {
	if file, ok := lm.files[executionID]; ok {
		file.Close()
		delete(lm.files, executionID)
	}
}

type lineWriter struct {
	lm          *LogManager
	executionID string
	level       string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		w.lm.AddLogEntry(w.executionID, LogEntry{
			Timestamp:   time.Now(),
			Level:       w.level,
			ExecutionID: w.executionID,
			Message:     line,
		})
	}
	return len(p), nil
}

// Docker stream types from the multiplexed log header
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// DockerLogScanner reads frames of a multiplexed docker log stream
type DockerLogScanner struct {
	reader io.Reader
	header [8]byte
	stream byte
	buffer []byte
	err    error
}

// NewDockerLogScanner creates a new Docker log scanner
func NewDockerLogScanner(reader io.Reader) *DockerLogScanner {
	return &DockerLogScanner{
		reader: reader,
		buffer: make([]byte, 0, 4096),
	}
}

// Scan advances the scanner to the next frame
func (s *DockerLogScanner) Scan() bool {
	// Header: [STREAM_TYPE, 0, 0, 0, SIZE1, SIZE2, SIZE3, SIZE4], size is big endian
	if _, err := io.ReadFull(s.reader, s.header[:]); err != nil {
		s.err = err
		return false
	}

	s.stream = s.header[0]
	size := int(binary.BigEndian.Uint32(s.header[4:]))

	if cap(s.buffer) < size {
		s.buffer = make([]byte, size)
	}
	s.buffer = s.buffer[:size]

	if _, err := io.ReadFull(s.reader, s.buffer); err != nil {
		s.err = err
		return false
	}

	return true
}

// Text returns the current frame payload
func (s *DockerLogScanner) Text() string {
	return string(s.buffer)
}

// Stream returns the stream type of the current frame
func (s *DockerLogScanner) Stream() byte {
	return s.stream
}

// Err returns any error that occurred during scanning
func (s *DockerLogScanner) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}
