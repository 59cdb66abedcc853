package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskloom/taskloom/internal/bus"
)

// CreateApproval inserts a pending Approval row.
func (s *Store) CreateApproval(ctx context.Context, a Approval) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (
			id, kind, status, workspace_id, channel_id, thread_ts, requested_by_user_id,
			details, created_at, updated_at
		) VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, a.ID, a.Kind, a.WorkspaceID, a.ChannelID, a.ThreadTS, a.RequestedByUserID, a.Details)
	if err != nil {
		return "", fmt.Errorf("insert approval: %w", err)
	}
	s.publish(bus.TopicApprovalCreated, a.ID)
	return a.ID, nil
}

func scanApproval(scan func(dest ...any) error) (Approval, error) {
	var a Approval
	var decision, decidedBy sql.NullString
	var resolvedAt sql.NullTime
	if err := scan(
		&a.ID, &a.Kind, &a.Status, &decision, &a.WorkspaceID, &a.ChannelID, &a.ThreadTS,
		&a.RequestedByUserID, &a.Details, &decidedBy, &a.CreatedAt, &a.UpdatedAt, &resolvedAt,
	); err != nil {
		return Approval{}, err
	}
	a.Decision = ApprovalDecision(decision.String)
	a.DecidedBy = decidedBy.String
	a.ResolvedAt = timePtr(resolvedAt)
	return a, nil
}

const approvalColumns = `id, kind, status, decision, workspace_id, channel_id, thread_ts,
	requested_by_user_id, details, decided_by, created_at, updated_at, resolved_at`

// GetApproval loads a single Approval by id, or nil if it does not exist.
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?;`, id)
	a, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	return &a, nil
}

// ListApprovals returns pending approvals (if pendingOnly) or pending plus
// recently resolved ones, newest first, for the admin API.
func (s *Store) ListApprovals(ctx context.Context, pendingOnly bool, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if pendingOnly {
		query += ` WHERE status = 'pending'`
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// NormalizedRuleInput is the GuardrailRule an "always" decision on a
// command_execution approval synthesizes. The caller (ApprovalRegistry)
// supplies the normalized command text; the Store only persists it.
type NormalizedRuleInput struct {
	Name    string
	Kind    string
	Pattern string
}

// DecideApproval transitions a pending approval to approved or denied and
// records who decided and with what decision. When decision is "always" and
// rule is non-nil, the GuardrailRule insert and the approval transition
// happen in the same transaction: per the ApprovalRegistry contract, either
// both occur or neither does. Returns the resolved Approval and, if the
// approval was already terminal, ok=false with no error (the idempotent
// no-op case).
func (s *Store) DecideApproval(ctx context.Context, id string, decision ApprovalDecision, actor string, rule *NormalizedRuleInput) (resolved *Approval, ok bool, err error) {
	txErr := s.withTx(ctx, func(tx *sql.Tx) error {
		var status ApprovalStatus
		if scanErr := tx.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = ?;`, id).Scan(&status); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select approval status: %w", scanErr)
		}
		if status != ApprovalPending {
			ok = false
			return nil
		}

		newStatus := ApprovalApproved
		if decision == DecisionDeny {
			newStatus = ApprovalDenied
		}

		if _, updErr := tx.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, decision = ?, decided_by = ?, updated_at = CURRENT_TIMESTAMP, resolved_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending';
		`, newStatus, decision, actor, id); updErr != nil {
			return fmt.Errorf("update approval: %w", updErr)
		}

		if decision == DecisionAlways && rule != nil {
			if _, insErr := insertGuardrailRuleTx(ctx, tx, GuardrailRule{
				Name:        rule.Name,
				Kind:        rule.Kind,
				PatternKind: PatternExact,
				Pattern:     rule.Pattern,
				Action:      ActionAllow,
				Priority:    50,
				Enabled:     true,
			}); insErr != nil {
				return fmt.Errorf("insert always-rule: %w", insErr)
			}
		}
		ok = true
		return nil
	})
	if txErr != nil {
		return nil, false, txErr
	}
	if !ok {
		existing, getErr := s.GetApproval(ctx, id)
		return existing, false, getErr
	}
	resolved, err = s.GetApproval(ctx, id)
	if err != nil {
		return nil, false, err
	}
	s.publish(bus.TopicApprovalDecided, id)
	return resolved, true, nil
}

// ExpireOverdueApprovals transitions pending approvals older than expireAfter
// to expired, and returns their ids so the caller can wake any waiters.
func (s *Store) ExpireOverdueApprovals(ctx context.Context, expireAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-expireAfter)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM approvals WHERE status = 'pending' AND created_at <= ?;`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query overdue approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if cerr := rows.Err(); cerr != nil {
		rows.Close()
		return nil, cerr
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = 'expired', updated_at = CURRENT_TIMESTAMP, resolved_at = CURRENT_TIMESTAMP
		WHERE status = 'pending' AND created_at <= ?;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire overdue approvals: %w", err)
	}
	for _, id := range ids {
		s.publish(bus.TopicApprovalDecided, id)
	}
	return ids, nil
}
