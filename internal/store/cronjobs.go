package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCronJob inserts a new CronJob row. next_run_at is computed by the
// caller (CronScheduler) so the Store stays free of cron-expression parsing.
func (s *Store) CreateCronJob(ctx context.Context, j CronJob) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (
			id, name, enabled, schedule_kind, every_seconds, cron_expr, at_ts, provider,
			workspace_id, channel_id, thread_ts, prompt_text, mode, next_run_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, j.ID, j.Name, boolToInt(j.Enabled), j.ScheduleKind, j.EverySeconds, j.CronExpr, nullTime(j.AtTS), j.Provider,
		j.WorkspaceID, j.ChannelID, j.ThreadTS, j.PromptText, j.Mode, nullTime(j.NextRunAt))
	if err != nil {
		return "", fmt.Errorf("insert cron_job: %w", err)
	}
	return j.ID, nil
}

func scanCronJob(scan func(dest ...any) error) (CronJob, error) {
	var j CronJob
	var enabled int
	var everySeconds sql.NullInt64
	var cronExpr sql.NullString
	var atTS, nextRunAt, lastRunAt sql.NullTime
	var lastStatus, lastError sql.NullString
	if err := scan(
		&j.ID, &j.Name, &enabled, &j.ScheduleKind, &everySeconds, &cronExpr, &atTS, &j.Provider,
		&j.WorkspaceID, &j.ChannelID, &j.ThreadTS, &j.PromptText, &j.Mode,
		&nextRunAt, &lastRunAt, &lastStatus, &lastError, &j.CreatedAt,
	); err != nil {
		return CronJob{}, err
	}
	j.Enabled = intToBool(enabled)
	if everySeconds.Valid {
		n := int(everySeconds.Int64)
		j.EverySeconds = &n
	}
	j.CronExpr = cronExpr.String
	j.AtTS = timePtr(atTS)
	j.NextRunAt = timePtr(nextRunAt)
	j.LastRunAt = timePtr(lastRunAt)
	j.LastStatus = lastStatus.String
	j.LastError = lastError.String
	return j, nil
}

const cronJobColumns = `id, name, enabled, schedule_kind, every_seconds, cron_expr, at_ts, provider,
	workspace_id, channel_id, thread_ts, prompt_text, mode, next_run_at, last_run_at,
	last_status, last_error, created_at`

// DueCronJobs returns enabled jobs whose next_run_at has arrived.
func (s *Store) DueCronJobs(ctx context.Context, now time.Time) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cronJobColumns+` FROM cron_jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due cron_jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		j, err := scanCronJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cron_job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListCronJobs returns every cron job, for the admin API.
func (s *Store) ListCronJobs(ctx context.Context) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query cron_jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJob
	for rows.Next() {
		j, err := scanCronJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cron_job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateCronJobRun records the outcome of a fire and the next_run_at the
// scheduler computed for it. A nil nextRunAt disables a one-shot "at" job.
func (s *Store) UpdateCronJobRun(ctx context.Context, id string, lastRun time.Time, nextRunAt *time.Time, status, lastError string) error {
	enabledClause := ""
	if nextRunAt == nil {
		enabledClause = ", enabled = 0"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs
		SET last_run_at = ?, next_run_at = ?, last_status = ?, last_error = ?`+enabledClause+`
		WHERE id = ?;
	`, lastRun, nullTime(nextRunAt), status, lastError, id)
	if err != nil {
		return fmt.Errorf("update cron_job run: %w", err)
	}
	return nil
}

// SetCronJobEnabled toggles a job without touching its schedule state.
func (s *Store) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ? WHERE id = ?;`, boolToInt(enabled), id)
	return err
}

// GetCronJob loads a single job by id.
func (s *Store) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = ?;`, id)
	j, err := scanCronJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cron_job: %w", err)
	}
	return &j, nil
}
