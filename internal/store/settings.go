package store

import (
	"context"
	"fmt"
)

// GetSettings loads the singleton Settings row, seeded by migrate on first
// open.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	var st Settings
	var allowedWriteRoots, slackAllow, telegramAllow, webAllow, webDeny string
	err := s.db.QueryRowContext(ctx, `
		SELECT permissions_mode, command_approval_mode, auto_apply_guardrail_tighten,
			auto_apply_cron_jobs, allowed_write_roots, slack_allow_from, telegram_allow_from,
			web_allow_domains, web_deny_domains, agent_name, agent_role_description
		FROM settings WHERE id = 1;
	`).Scan(
		&st.PermissionsMode, &st.CommandApprovalMode, boolScanner(&st.AutoApplyGuardrailTighten),
		boolScanner(&st.AutoApplyCronJobs), &allowedWriteRoots, &slackAllow, &telegramAllow,
		&webAllow, &webDeny, &st.AgentName, &st.AgentRoleDescription,
	)
	if err != nil {
		return Settings{}, fmt.Errorf("select settings: %w", err)
	}
	st.AllowedWriteRoots = splitCSV(allowedWriteRoots)
	st.SlackAllowFrom = splitCSV(slackAllow)
	st.TelegramAllowFrom = splitCSV(telegramAllow)
	st.WebAllowDomains = splitCSV(webAllow)
	st.WebDenyDomains = splitCSV(webDeny)
	return st, nil
}

// UpdateSettings overwrites the singleton Settings row.
func (s *Store) UpdateSettings(ctx context.Context, st Settings) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settings SET
			permissions_mode = ?,
			command_approval_mode = ?,
			auto_apply_guardrail_tighten = ?,
			auto_apply_cron_jobs = ?,
			allowed_write_roots = ?,
			slack_allow_from = ?,
			telegram_allow_from = ?,
			web_allow_domains = ?,
			web_deny_domains = ?,
			agent_name = ?,
			agent_role_description = ?
		WHERE id = 1;
	`, st.PermissionsMode, st.CommandApprovalMode, boolToInt(st.AutoApplyGuardrailTighten),
		boolToInt(st.AutoApplyCronJobs), joinCSV(st.AllowedWriteRoots), joinCSV(st.SlackAllowFrom),
		joinCSV(st.TelegramAllowFrom), joinCSV(st.WebAllowDomains), joinCSV(st.WebDenyDomains),
		st.AgentName, st.AgentRoleDescription)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// boolScanner adapts a *bool destination to database/sql's Scan, which only
// understands integer destinations for SQLite's INTEGER boolean columns.
type intBoolDest struct{ dst *bool }

func boolScanner(dst *bool) *intBoolDest { return &intBoolDest{dst: dst} }

func (d *intBoolDest) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*d.dst = v != 0
	case int:
		*d.dst = v != 0
	case nil:
		*d.dst = false
	default:
		return fmt.Errorf("unsupported bool column type %T", src)
	}
	return nil
}
