package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskloom/taskloom/internal/bus"
)

// ClaimNextTask performs the Dispatcher's candidate-selection, lease
// acquisition, and claim in one transaction: it finds the oldest queued task
// whose conversation is not currently leased by someone else, atomically
// acquires (or steals an expired) conversation_locks row for ownerID, and
// transitions the task to running. It returns (nil, nil) when there is
// nothing eligible to claim right now — callers should treat that as "try
// again next poll," not an error.
func (s *Store) ClaimNextTask(ctx context.Context, ownerID string, leaseDuration time.Duration) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT t.id
			FROM tasks t
			LEFT JOIN conversation_locks l ON l.conversation_key = t.conversation_key
			WHERE t.status = 'queued'
			  AND (l.conversation_key IS NULL OR l.lease_until <= CURRENT_TIMESTAMP)
			ORDER BY t.created_at ASC, t.id ASC
			LIMIT 50;
		`)
		if err != nil {
			return fmt.Errorf("query candidates: %w", err)
		}
		var candidateIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan candidate: %w", err)
			}
			candidateIDs = append(candidateIDs, id)
		}
		if cerr := rows.Err(); cerr != nil {
			rows.Close()
			return cerr
		}
		rows.Close()

		for _, taskID := range candidateIDs {
			row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
			task, err := scanTask(row.Scan)
			if errors.Is(err, sql.ErrNoRows) {
				continue // raced with another claimer or a cancellation
			}
			if err != nil {
				return fmt.Errorf("reload candidate: %w", err)
			}
			if task.Status != TaskQueued {
				continue
			}

			leaseUntil := time.Now().Add(leaseDuration)
			res, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_locks (conversation_key, owner_id, lease_until)
				VALUES (?, ?, ?)
				ON CONFLICT(conversation_key) DO UPDATE SET
					owner_id = excluded.owner_id,
					lease_until = excluded.lease_until
				WHERE conversation_locks.lease_until <= CURRENT_TIMESTAMP;
			`, task.ConversationKey, ownerID, leaseUntil)
			if err != nil {
				return fmt.Errorf("acquire lease: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected != 1 {
				continue // lost the CAS race, try the next candidate
			}

			ok, err := transitionTaskTx(ctx, tx, task.ID, []TaskStatus{TaskQueued}, TaskRunning, nil, nil)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO runtime_active_tasks (task_id, conversation_key, owner_id)
				VALUES (?, ?, ?);
			`, task.ID, task.ConversationKey, ownerID); err != nil {
				return fmt.Errorf("insert runtime_active_tasks: %w", err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit claim: %w", err)
			}
			task.Status = TaskRunning
			claimed = &task
			return nil
		}
		return nil // nothing eligible this pass
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publish(bus.TopicTaskStateChanged, claimed.ID)
	}
	return claimed, nil
}

// RenewLease extends a held conversation lease. It returns false if ownerID
// no longer holds the lease (another Dispatcher stole it after expiry).
func (s *Store) RenewLease(ctx context.Context, conversationKey, ownerID string, leaseDuration time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_locks
		SET lease_until = ?
		WHERE conversation_key = ? AND owner_id = ?;
	`, time.Now().Add(leaseDuration), conversationKey, ownerID)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseLease deletes the conversation lock and the runtime_active_tasks
// row for a finished task, in one transaction, regardless of how the Worker
// terminated (success, error, panic recovery).
func (s *Store) ReleaseLease(ctx context.Context, conversationKey string, taskID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_locks WHERE conversation_key = ?;`, conversationKey); err != nil {
		return fmt.Errorf("delete conversation_lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runtime_active_tasks WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete runtime_active_tasks: %w", err)
	}
	return tx.Commit()
}

// RecoverStuckTasks implements the Dispatcher's startup crash-recovery
// sweep: expired conversation_locks are dropped, and tasks left running with
// no corresponding lease are re-queued, up to reenqueueMax times, after
// which they are errored with a fixed message.
func (s *Store) RecoverStuckTasks(ctx context.Context, reenqueueMax int) (recovered, errored int, err error) {
	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", txErr)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_locks WHERE lease_until <= CURRENT_TIMESTAMP;`); err != nil {
		return 0, 0, fmt.Errorf("sweep expired locks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT t.id, t.conversation_key, t.reenqueue_count
		FROM tasks t
		LEFT JOIN conversation_locks l ON l.conversation_key = t.conversation_key
		WHERE t.status = 'running' AND l.conversation_key IS NULL;
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("query stuck tasks: %w", err)
	}
	type stuck struct {
		id    int64
		count int
	}
	var items []stuck
	for rows.Next() {
		var it stuck
		var convKey string
		if err := rows.Scan(&it.id, &convKey, &it.count); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan stuck task: %w", err)
		}
		items = append(items, it)
	}
	if cerr := rows.Err(); cerr != nil {
		rows.Close()
		return 0, 0, cerr
	}
	rows.Close()

	for _, it := range items {
		if it.count >= reenqueueMax {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'error', error_text = 'stuck', finished_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = 'running';
			`, it.id); err != nil {
				return 0, 0, fmt.Errorf("error stuck task: %w", err)
			}
			errored++
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'queued', reenqueue_count = reenqueue_count + 1, started_at = NULL
			WHERE id = ? AND status = 'running';
		`, it.id); err != nil {
			return 0, 0, fmt.Errorf("re-queue stuck task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runtime_active_tasks WHERE task_id = ?;`, it.id); err != nil {
			return 0, 0, fmt.Errorf("clear runtime_active_tasks: %w", err)
		}
		recovered++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit recovery: %w", err)
	}
	return recovered, errored, nil
}

// WorkerLockOwner reports who, if anyone, currently holds the lease for a
// conversation, for the admin status endpoint.
func (s *Store) WorkerLockOwner(ctx context.Context, conversationKey string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM conversation_locks WHERE conversation_key = ? AND lease_until > CURRENT_TIMESTAMP;
	`, conversationKey).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

// ActiveTaskID returns any task currently recorded in runtime_active_tasks,
// for the admin status endpoint's single-slot summary.
func (s *Store) ActiveTaskID(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT task_id FROM runtime_active_tasks ORDER BY started_at ASC LIMIT 1;`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
