package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/taskloom/taskloom/internal/bus"
)

// CreateTask inserts a queued Task row. It is the sole entry point the
// IngressReducer and CronScheduler use to put work in front of the
// Dispatcher. The row's id is assigned by SQLite's AUTOINCREMENT, not by the
// caller, so t.ID is ignored on input and the assigned id is returned.
func (s *Store) CreateTask(ctx context.Context, t Task) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				status, provider, workspace_id, channel_id, thread_ts, event_ts,
				conversation_key, requested_by_user_id, prompt_text, is_proactive, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, TaskQueued, t.Provider, t.WorkspaceID, t.ChannelID, t.ThreadTS, t.EventTS,
			t.ConversationKey, t.RequestedByUserID, t.PromptText, boolToInt(t.IsProactive))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	s.publish(bus.TopicTaskEnqueued, id)
	return id, nil
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var t Task
	var startedAt, finishedAt sql.NullTime
	var resultText, errorText sql.NullString
	var isProactive, cancelRequested int
	if err := scan(
		&t.ID, &t.Status, &t.Provider, &t.WorkspaceID, &t.ChannelID, &t.ThreadTS, &t.EventTS,
		&t.ConversationKey, &t.RequestedByUserID, &t.PromptText, &resultText, &errorText,
		&isProactive, &t.ReenqueueCount, &cancelRequested, &t.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return Task{}, err
	}
	t.ResultText = resultText.String
	t.ErrorText = errorText.String
	t.IsProactive = intToBool(isProactive)
	t.CancelRequested = intToBool(cancelRequested)
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	return t, nil
}

const taskColumns = `id, status, provider, workspace_id, channel_id, thread_ts, event_ts,
	conversation_key, requested_by_user_id, prompt_text, result_text, error_text,
	is_proactive, reenqueue_count, cancel_requested, created_at, started_at, finished_at`

// GetTask loads a single Task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

// transitionTaskTx moves a task between statuses inside an existing
// transaction. It returns false (no error) if the task's current status
// is not in allowedFrom, so callers can treat a lost race as a normal skip.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID int64, allowedFrom []TaskStatus, to TaskStatus, resultText, errorText *string) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransitionTask(current, to) {
		return false, fmt.Errorf("illegal task transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result_text = CASE WHEN ? IS NOT NULL THEN ? ELSE result_text END,
			error_text = CASE WHEN ? IS NOT NULL THEN ? ELSE error_text END,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
			finished_at = CASE WHEN ? IN ('done', 'error', 'cancelled') THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = ? AND status = ?;
	`, to, resultText, resultText, errorText, errorText, to, to, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteTask transitions a running task to done and records result_text.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, resultText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskRunning}, TaskDone, &resultText, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d not in running state", taskID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.publish(bus.TopicTaskStateChanged, taskID)
	return nil
}

// FailTask transitions a running task to error and records error_text.
// Errors are never automatically retried per the worker contract.
func (s *Store) FailTask(ctx context.Context, taskID int64, errorText string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskRunning}, TaskError, nil, &errorText)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d not in running state", taskID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.publish(bus.TopicTaskStateChanged, taskID)
	return nil
}

// CancelTask marks a task cancelled. A queued task is cancelled immediately;
// a running task only has cancel_requested set, since the Worker must reach
// an approval or tool boundary to observe and act on it.
func (s *Store) CancelTask(ctx context.Context, taskID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task: %w", err)
	}

	switch current {
	case TaskQueued:
		ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskQueued}, TaskCancelled, nil, nil)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	case TaskRunning:
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1 WHERE id = ?;`, taskID); err != nil {
			return false, fmt.Errorf("set cancel_requested: %w", err)
		}
	default:
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	s.publish(bus.TopicTaskStateChanged, taskID)
	return true, nil
}

// IsCancelRequested reports the cancel_requested flag for a running task;
// the Worker polls this at approval and tool-call boundaries.
func (s *Store) IsCancelRequested(ctx context.Context, taskID int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?;`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select cancel_requested: %w", err)
	}
	return intToBool(flag), nil
}

// ApplyCancelTx finalizes a cancellation the Worker observed mid-turn; it is
// called from inside the Worker's own transaction alongside lease release.
func (s *Store) ApplyCancel(ctx context.Context, taskID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskRunning}, TaskCancelled, nil, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d not in running state", taskID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.publish(bus.TopicTaskStateChanged, taskID)
	return nil
}

// QueueDepth returns the number of queued tasks.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, TaskQueued).Scan(&n)
	return n, err
}

// TaskCounts returns the number of queued and running tasks.
func (s *Store) TaskCounts(ctx context.Context) (queued, running int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE status = 'queued'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'running');
	`).Scan(&queued, &running)
	return queued, running, err
}

// ListTasksBySession returns tasks for a conversation_key, newest first.
func (s *Store) ListTasksByConversation(ctx context.Context, conversationKey string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE conversation_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks by conversation: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
