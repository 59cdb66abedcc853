package config_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskloom/taskloom/internal/config"
	"github.com/taskloom/taskloom/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestApplySettingsOverridesOnlyConfiguredFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := config.Policy{
		PermissionsMode:     "write",
		CommandApprovalMode: "auto",
		AllowedWriteRoots:   []string{"/srv/app"},
		AgentName:           "shiftbot",
	}
	if err := config.ApplySettings(ctx, st, p); err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}

	got, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.PermissionsMode != "write" {
		t.Errorf("PermissionsMode = %q, want write", got.PermissionsMode)
	}
	if got.CommandApprovalMode != "auto" {
		t.Errorf("CommandApprovalMode = %q, want auto", got.CommandApprovalMode)
	}
	if len(got.AllowedWriteRoots) != 1 || got.AllowedWriteRoots[0] != "/srv/app" {
		t.Errorf("AllowedWriteRoots = %v", got.AllowedWriteRoots)
	}
	if got.AgentName != "shiftbot" {
		t.Errorf("AgentName = %q", got.AgentName)
	}
}

func TestSeedGuardrailRulesIsNameDeduplicatedAcrossReloads(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := config.Policy{
		GuardrailRules: []config.RuleDoc{
			{Name: "block-internal", Kind: "web_fetch", PatternKind: "substring", Pattern: "internal.example.com", Action: "deny", Priority: 10, Enabled: true},
		},
	}
	if err := config.SeedGuardrailRules(ctx, st, p); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if err := config.SeedGuardrailRules(ctx, st, p); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	all, err := st.ListAllGuardrailRules(ctx)
	if err != nil {
		t.Fatalf("ListAllGuardrailRules: %v", err)
	}
	count := 0
	for _, r := range all {
		if r.Name == "block-internal" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one rule named block-internal after two seed passes, got %d", count)
	}
}

func TestSeedCronJobsComputesNextRunAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	every := 3600

	p := config.Policy{
		CronJobs: []config.CronDoc{
			{Name: "hourly-check", ScheduleKind: "every", EverySeconds: &every, Provider: "slack", WorkspaceID: "w", ChannelID: "c", PromptText: "check in", Mode: "agent", Enabled: true},
		},
	}
	if err := config.SeedCronJobs(ctx, st, p); err != nil {
		t.Fatalf("SeedCronJobs: %v", err)
	}

	jobs, err := st.ListCronJobs(ctx)
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one cron job, got %d", len(jobs))
	}
	if jobs[0].NextRunAt == nil {
		t.Fatal("expected NextRunAt to be computed for the seeded job")
	}
}
