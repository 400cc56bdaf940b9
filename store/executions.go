package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/deepnoodle-ai/relay/watcher"
)

// SaveExecution appends a completed execution record. Records are never
// updated or deleted afterwards.
func (s *Store) SaveExecution(ctx context.Context, record *automation.ExecutionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode execution record: %w", err)
	}
	var completedAt any
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, automation_id, automation_version, status, record, triggered_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.AutomationID, record.AutomationVersion,
		string(record.Status), string(data), record.TriggeredAt, completedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*automation.ExecutionRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var record automation.ExecutionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &record, nil
}

// ListExecutions returns the most recent executions, newest first. An empty
// automationID lists across all automations.
func (s *Store) ListExecutions(ctx context.Context, automationID string, limit int) ([]*automation.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT record FROM executions ORDER BY triggered_at DESC LIMIT ?`
	args := []any{limit}
	if automationID != "" {
		query = `SELECT record FROM executions WHERE automation_id = ? ORDER BY triggered_at DESC LIMIT ?`
		args = []any{automationID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*automation.ExecutionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record automation.ExecutionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// LoadWatcherState implements watcher.StateStore.
func (s *Store) LoadWatcherState(ctx context.Context, automationID string) (*watcher.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM watcher_states WHERE automation_id = ?`, automationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state watcher.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveWatcherState implements watcher.StateStore.
func (s *Store) SaveWatcherState(ctx context.Context, automationID string, state *watcher.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watcher_states (automation_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(automation_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		automationID, string(data), time.Now())
	return err
}

func (s *Store) CreateReviewTask(ctx context.Context, task *automation.ReviewTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_tasks (id, automation_id, execution_id, action_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.AutomationID, task.ExecutionID, task.ActionID,
		task.Message, task.CreatedAt)
	return err
}

// ListOpenReviewTasks returns unresolved review tasks, oldest first.
func (s *Store) ListOpenReviewTasks(ctx context.Context) ([]*automation.ReviewTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, automation_id, execution_id, action_id, message, created_at
		FROM review_tasks WHERE resolved_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*automation.ReviewTask
	for rows.Next() {
		task := &automation.ReviewTask{}
		var actionID sql.NullString
		if err := rows.Scan(&task.ID, &task.AutomationID, &task.ExecutionID,
			&actionID, &task.Message, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.ActionID = actionID.String
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) ResolveReviewTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_tasks SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("review task %s: %w", id, ErrNotFound)
	}
	return nil
}
