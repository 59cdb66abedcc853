package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ListEnabledGuardrailRules loads enabled rules for a kind in match order
// (priority ASC, created_at ASC), the order GuardrailMatcher evaluates them.
func (s *Store) ListEnabledGuardrailRules(ctx context.Context, kind string) ([]GuardrailRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, pattern_kind, pattern, action, priority, enabled, created_at, updated_at
		FROM guardrail_rules
		WHERE kind = ? AND enabled = 1
		ORDER BY priority ASC, created_at ASC;
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("query guardrail_rules: %w", err)
	}
	defer rows.Close()

	var out []GuardrailRule
	for rows.Next() {
		var r GuardrailRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.PatternKind, &r.Pattern, &r.Action, &r.Priority, &enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guardrail_rule: %w", err)
		}
		r.Enabled = intToBool(enabled)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAllGuardrailRules returns every rule regardless of kind or enabled
// state, for the admin API and the config-seed reconciler.
func (s *Store) ListAllGuardrailRules(ctx context.Context) ([]GuardrailRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, pattern_kind, pattern, action, priority, enabled, created_at, updated_at
		FROM guardrail_rules ORDER BY kind, priority ASC, created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query guardrail_rules: %w", err)
	}
	defer rows.Close()

	var out []GuardrailRule
	for rows.Next() {
		var r GuardrailRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.PatternKind, &r.Pattern, &r.Action, &r.Priority, &enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guardrail_rule: %w", err)
		}
		r.Enabled = intToBool(enabled)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertGuardrailRule inserts a standalone rule (operator-proposed via the
// admin API, or an agent tightening proposal applied immediately).
func (s *Store) InsertGuardrailRule(ctx context.Context, r GuardrailRule) (string, error) {
	var id string
	var err error
	txErr := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err = insertGuardrailRuleTx(ctx, tx, r)
		return err
	})
	if txErr != nil {
		return "", txErr
	}
	return id, nil
}

func insertGuardrailRuleTx(ctx context.Context, tx *sql.Tx, r GuardrailRule) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO guardrail_rules (id, name, kind, pattern_kind, pattern, action, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, r.ID, r.Name, r.Kind, r.PatternKind, r.Pattern, r.Action, r.Priority, boolToInt(r.Enabled))
	if err != nil {
		return "", fmt.Errorf("insert guardrail_rule: %w", err)
	}
	return r.ID, nil
}

// withTx is a small transaction helper shared by store methods whose body is
// a single atomic sequence of statements.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}
