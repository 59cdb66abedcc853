package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/taskloom/taskloom/internal/config"
)

func TestLoadPolicyDefaultsWhenFileMissing(t *testing.T) {
	p, err := config.LoadPolicy(t.TempDir())
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.PermissionsMode != "read" {
		t.Errorf("PermissionsMode = %q, want %q", p.PermissionsMode, "read")
	}
	if p.CommandApprovalMode != "guardrails" {
		t.Errorf("CommandApprovalMode = %q, want %q", p.CommandApprovalMode, "guardrails")
	}
}

func TestLoadPolicyParsesYAML(t *testing.T) {
	dir := t.TempDir()
	doc := `
agent_name: shiftbot
permissions_mode: write
command_approval_mode: auto
allowed_write_roots:
  - /srv/app
web_deny_domains:
  - internal.example.com
guardrail_rules:
  - name: block-curl-internal
    kind: web_fetch
    pattern_kind: substring
    pattern: internal.example.com
    action: deny
    priority: 10
    enabled: true
cron_jobs:
  - name: daily-digest
    schedule_kind: cron
    cron_expr: "0 9 * * *"
    provider: slack
    workspace_id: ws1
    channel_id: C1
    prompt_text: summarize yesterday
    mode: agent
    enabled: true
`
	if err := os.WriteFile(config.PolicyPath(dir), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	p, err := config.LoadPolicy(dir)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.AgentName != "shiftbot" {
		t.Errorf("AgentName = %q", p.AgentName)
	}
	if p.PermissionsMode != "write" {
		t.Errorf("PermissionsMode = %q", p.PermissionsMode)
	}
	if len(p.AllowedWriteRoots) != 1 || p.AllowedWriteRoots[0] != "/srv/app" {
		t.Errorf("AllowedWriteRoots = %v", p.AllowedWriteRoots)
	}
	if len(p.GuardrailRules) != 1 || p.GuardrailRules[0].Name != "block-curl-internal" {
		t.Errorf("GuardrailRules = %+v", p.GuardrailRules)
	}
	if len(p.CronJobs) != 1 || p.CronJobs[0].CronExpr != "0 9 * * *" {
		t.Errorf("CronJobs = %+v", p.CronJobs)
	}
}

func TestPolicyPathJoinsDataDir(t *testing.T) {
	got := config.PolicyPath("/var/lib/taskloom")
	want := filepath.Join("/var/lib/taskloom", "config.yaml")
	if got != want {
		t.Errorf("PolicyPath = %q, want %q", got, want)
	}
}

func TestLoadEnvAppliesDefaults(t *testing.T) {
	for _, key := range []string{
		"DATA_DIR", "WORKER_CONCURRENCY", "LEASE_DURATION_MS", "POLL_INTERVAL_MS",
		"APPROVAL_EXPIRE_SECS", "REENQUEUE_MAX", "ADMIN_TOKEN",
		"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN", "TELEGRAM_BOT_TOKEN",
	} {
		if v, ok := os.LookupEnv(key); ok {
			t.Setenv(key, v)
			os.Unsetenv(key)
		}
	}

	e, err := config.LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if e.WorkerConcurrency != 1 {
		t.Errorf("WorkerConcurrency = %d, want 1", e.WorkerConcurrency)
	}
	if e.LeaseDurationMS != 60000 {
		t.Errorf("LeaseDurationMS = %d, want 60000", e.LeaseDurationMS)
	}
	if e.ApprovalExpireSecs != 86400 {
		t.Errorf("ApprovalExpireSecs = %d, want 86400", e.ApprovalExpireSecs)
	}
	if e.ReenqueueMax != 3 {
		t.Errorf("ReenqueueMax = %d, want 3", e.ReenqueueMax)
	}
	if e.SlackEnabled() {
		t.Error("SlackEnabled should be false with no tokens set")
	}
	if e.TelegramEnabled() {
		t.Error("TelegramEnabled should be false with no token set")
	}
}

func TestLoadEnvReadsOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")
	t.Setenv("SLACK_APP_TOKEN", "xapp-1")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-1")

	e, err := config.LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if e.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d, want 8", e.WorkerConcurrency)
	}
	if !e.SlackEnabled() {
		t.Error("expected Slack to be enabled")
	}
	if !e.TelegramEnabled() {
		t.Error("expected Telegram to be enabled")
	}
}
