package config

import (
	"context"
	"fmt"
	"time"

	"github.com/taskloom/taskloom/internal/cron"
	"github.com/taskloom/taskloom/internal/store"
)

// ApplySettings copies the policy document's settings-shaped fields into the
// Store's singleton Settings row, preserving whatever the document doesn't
// mention (an empty PermissionsMode/CommandApprovalMode leaves the existing
// value untouched rather than blanking it on reload).
func ApplySettings(ctx context.Context, st *store.Store, p Policy) error {
	cur, err := st.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load current settings: %w", err)
	}
	if p.PermissionsMode != "" {
		cur.PermissionsMode = p.PermissionsMode
	}
	if p.CommandApprovalMode != "" {
		cur.CommandApprovalMode = p.CommandApprovalMode
	}
	cur.AutoApplyGuardrailTighten = p.AutoApplyGuardrailTighten
	cur.AutoApplyCronJobs = p.AutoApplyCronJobs
	if p.AllowedWriteRoots != nil {
		cur.AllowedWriteRoots = p.AllowedWriteRoots
	}
	if p.SlackAllowFrom != nil {
		cur.SlackAllowFrom = p.SlackAllowFrom
	}
	if p.TelegramAllowFrom != nil {
		cur.TelegramAllowFrom = p.TelegramAllowFrom
	}
	if p.WebAllowDomains != nil {
		cur.WebAllowDomains = p.WebAllowDomains
	}
	if p.WebDenyDomains != nil {
		cur.WebDenyDomains = p.WebDenyDomains
	}
	if p.AgentName != "" {
		cur.AgentName = p.AgentName
	}
	if p.AgentRoleDescription != "" {
		cur.AgentRoleDescription = p.AgentRoleDescription
	}
	return st.UpdateSettings(ctx, cur)
}

// SeedGuardrailRules inserts the policy document's rule seeds that are not
// already present by name. Existing rules with the same name are left alone
// so operator edits made through the admin API survive a config reload.
func SeedGuardrailRules(ctx context.Context, st *store.Store, p Policy) error {
	if len(p.GuardrailRules) == 0 {
		return nil
	}
	existing, err := st.ListAllGuardrailRules(ctx)
	if err != nil {
		return fmt.Errorf("list existing guardrail rules: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.Name] = true
	}
	for _, rd := range p.GuardrailRules {
		if seen[rd.Name] {
			continue
		}
		_, err := st.InsertGuardrailRule(ctx, store.GuardrailRule{
			Name:        rd.Name,
			Kind:        rd.Kind,
			PatternKind: store.GuardrailPatternKind(rd.PatternKind),
			Pattern:     rd.Pattern,
			Action:      store.GuardrailAction(rd.Action),
			Priority:    rd.Priority,
			Enabled:     rd.Enabled,
		})
		if err != nil {
			return fmt.Errorf("insert seeded guardrail rule %q: %w", rd.Name, err)
		}
	}
	return nil
}

// SeedCronJobs creates the policy document's cron job seeds that are not
// already present by name.
func SeedCronJobs(ctx context.Context, st *store.Store, p Policy) error {
	if len(p.CronJobs) == 0 {
		return nil
	}
	existing, err := st.ListCronJobs(ctx)
	if err != nil {
		return fmt.Errorf("list existing cron jobs: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, j := range existing {
		seen[j.Name] = true
	}
	now := time.Now()
	for _, cd := range p.CronJobs {
		if seen[cd.Name] {
			continue
		}
		job := store.CronJob{
			Name:         cd.Name,
			Enabled:      cd.Enabled,
			ScheduleKind: store.CronScheduleKind(cd.ScheduleKind),
			EverySeconds: cd.EverySeconds,
			CronExpr:     cd.CronExpr,
			Provider:     cd.Provider,
			WorkspaceID:  cd.WorkspaceID,
			ChannelID:    cd.ChannelID,
			PromptText:   cd.PromptText,
			Mode:         store.CronFireMode(cd.Mode),
		}
		next, err := cron.NextRunTime(job, now)
		if err != nil {
			return fmt.Errorf("compute next run for seeded cron job %q: %w", cd.Name, err)
		}
		job.NextRunAt = next
		if _, err := st.CreateCronJob(ctx, job); err != nil {
			return fmt.Errorf("create seeded cron job %q: %w", cd.Name, err)
		}
	}
	return nil
}

// Apply reconciles a freshly loaded or reloaded Policy document into the
// Store: settings first, then guardrail rule and cron job seeds (both
// additive and name-deduplicated, so hot reloads never duplicate seeds).
func Apply(ctx context.Context, st *store.Store, p Policy) error {
	if err := ApplySettings(ctx, st, p); err != nil {
		return err
	}
	if err := SeedGuardrailRules(ctx, st, p); err != nil {
		return err
	}
	return SeedCronJobs(ctx, st, p)
}
