package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetObservationalMemory loads a memory row by key, or nil if none exists.
func (s *Store) GetObservationalMemory(ctx context.Context, memoryKey string) (*ObservationalMemory, error) {
	var m ObservationalMemory
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_key, scope, observation_log, reflection_summary, updated_at
		FROM observational_memory WHERE memory_key = ?;
	`, memoryKey).Scan(&m.MemoryKey, &m.Scope, &m.ObservationLog, &m.ReflectionSummary, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select observational_memory: %w", err)
	}
	return &m, nil
}

// UpsertObservationalMemory creates or overwrites the memory row for a key,
// called by the Worker at the end of every turn.
func (s *Store) UpsertObservationalMemory(ctx context.Context, m ObservationalMemory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observational_memory (memory_key, scope, observation_log, reflection_summary, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(memory_key) DO UPDATE SET
			scope = excluded.scope,
			observation_log = excluded.observation_log,
			reflection_summary = excluded.reflection_summary,
			updated_at = CURRENT_TIMESTAMP;
	`, m.MemoryKey, m.Scope, m.ObservationLog, m.ReflectionSummary)
	if err != nil {
		return fmt.Errorf("upsert observational_memory: %w", err)
	}
	return nil
}
