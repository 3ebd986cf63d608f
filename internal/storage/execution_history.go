package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/flowsched/internal/model"
)

// HistoryFilters narrows List and Count. Empty fields match everything.
type HistoryFilters struct {
	WorkflowID string
	ScheduleID string
	Status     model.ExecutionStatus
}

// SQLiteExecutionHistory stores terminal executions in SQLite
type SQLiteExecutionHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionHistory opens (or creates) the history database
func NewSQLiteExecutionHistory(logger *zap.Logger, dbPath string) (*SQLiteExecutionHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	storage := &SQLiteExecutionHistory{
		logger: logger.Named("execution-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteExecutionHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			schedule_id TEXT,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			submitted_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			record TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_workflow_id ON execution_history(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_schedule_id ON execution_history(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_status ON execution_history(status);
		CREATE INDEX IF NOT EXISTS idx_execution_history_completed_at ON execution_history(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record inserts or replaces the row of an execution
func (s *SQLiteExecutionHistory) Record(ctx context.Context, e *model.Execution) error {
	record, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	var completedAt sql.NullTime
	var duration sql.NullInt64
	if e.CompletedAt != nil {
		completedAt = sql.NullTime{Time: e.CompletedAt.UTC(), Valid: true}
		if e.StartedAt != nil {
			duration = sql.NullInt64{Int64: int64(e.CompletedAt.Sub(*e.StartedAt)), Valid: true}
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO execution_history (
			id, execution_id, workflow_id, schedule_id, status, retry_count,
			error, submitted_at, completed_at, duration, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		e.ID,
		e.WorkflowID,
		sql.NullString{String: e.ScheduleID, Valid: e.ScheduleID != ""},
		string(e.Status),
		e.RetryCount,
		sql.NullString{String: e.ErrorMessage, Valid: e.ErrorMessage != ""},
		e.SubmittedAt.UTC(),
		completedAt,
		duration,
		string(record),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution history: %w", err)
	}
	return nil
}

// Get retrieves an execution by its ID
func (s *SQLiteExecutionHistory) Get(ctx context.Context, id string) (*model.Execution, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		"SELECT record FROM execution_history WHERE execution_id = ?", id).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query execution history: %w", err)
	}
	return decodeRecord(record)
}

// List retrieves executions newest first with pagination and filters
func (s *SQLiteExecutionHistory) List(ctx context.Context, filters HistoryFilters, offset, limit int) ([]*model.Execution, error) {
	where, args := filters.clause()
	if limit <= 0 {
		limit = -1
	}

	query := "SELECT record FROM execution_history" + where + " ORDER BY completed_at DESC, submitted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan execution history: %w", err)
		}
		e, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return executions, nil
}

// Count returns the number of records matching the filters
func (s *SQLiteExecutionHistory) Count(ctx context.Context, filters HistoryFilters) (int, error) {
	where, args := filters.clause()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteBefore deletes records submitted before the given time
func (s *SQLiteExecutionHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE submitted_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Ping checks that the database is reachable
func (s *SQLiteExecutionHistory) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteExecutionHistory) Close() error {
	return s.db.Close()
}

func (f HistoryFilters) clause() (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if f.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.ScheduleID != "" {
		conditions = append(conditions, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func decodeRecord(record string) (*model.Execution, error) {
	var e model.Execution
	if err := json.Unmarshal([]byte(record), &e); err != nil {
		return nil, fmt.Errorf("failed to decode execution record: %w", err)
	}
	return &e, nil
}
