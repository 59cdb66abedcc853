// Package config loads taskloom's two configuration layers: a YAML policy
// document for the slowly-changing guardrail/persona/allow-list shape, and
// an environment-backed struct for the operational knobs named in spec.md.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Env holds the operational configuration loaded from the process
// environment. These are the fast-changing knobs: concurrency, timing,
// credentials. Defaults match spec.md §6.
type Env struct {
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	WorkerConcurrency  int `envconfig:"WORKER_CONCURRENCY" default:"1"`
	LeaseDurationMS    int `envconfig:"LEASE_DURATION_MS" default:"60000"`
	PollIntervalMS     int `envconfig:"POLL_INTERVAL_MS" default:"250"`
	ApprovalExpireSecs int `envconfig:"APPROVAL_EXPIRE_SECS" default:"86400"`
	ReenqueueMax       int `envconfig:"REENQUEUE_MAX" default:"3"`

	AgentBackendURL string `envconfig:"AGENT_BACKEND_URL"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`
	AdminAddr  string `envconfig:"ADMIN_LISTEN_ADDR" default:":8090"`

	SlackSigningSecret   string `envconfig:"SLACK_SIGNING_SECRET"`
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken        string `envconfig:"SLACK_APP_TOKEN"`
	TelegramBotToken     string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramWebhookSecret string `envconfig:"TELEGRAM_WEBHOOK_SECRET"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LeaseDuration returns LeaseDurationMS as a time.Duration.
func (e Env) LeaseDuration() time.Duration {
	return time.Duration(e.LeaseDurationMS) * time.Millisecond
}

// PollInterval returns PollIntervalMS as a time.Duration.
func (e Env) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

// ApprovalExpiry returns ApprovalExpireSecs as a time.Duration.
func (e Env) ApprovalExpiry() time.Duration {
	return time.Duration(e.ApprovalExpireSecs) * time.Second
}

// SlackEnabled reports whether enough Slack credentials are present to start
// the Slack channel.
func (e Env) SlackEnabled() bool {
	return e.SlackBotToken != "" && e.SlackAppToken != ""
}

// TelegramEnabled reports whether a Telegram bot token is configured.
func (e Env) TelegramEnabled() bool {
	return e.TelegramBotToken != ""
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("loading env config: %w", err)
	}
	return e, nil
}

// RuleDoc seeds a GuardrailRule from the policy document.
type RuleDoc struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	PatternKind string `yaml:"pattern_kind"`
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Priority    int    `yaml:"priority"`
	Enabled     bool   `yaml:"enabled"`
}

// CronDoc seeds a CronJob from the policy document.
type CronDoc struct {
	Name         string `yaml:"name"`
	ScheduleKind string `yaml:"schedule_kind"`
	EverySeconds *int   `yaml:"every_seconds,omitempty"`
	CronExpr     string `yaml:"cron_expr,omitempty"`
	Provider     string `yaml:"provider"`
	WorkspaceID  string `yaml:"workspace_id"`
	ChannelID    string `yaml:"channel_id"`
	PromptText   string `yaml:"prompt_text"`
	Mode         string `yaml:"mode"`
	Enabled      bool   `yaml:"enabled"`
}

// Policy is the YAML-backed document holding the slowly-changing policy
// shape: agent persona, permission defaults, allow-lists, and the seed
// guardrail rules and cron jobs applied on first run.
type Policy struct {
	AgentName            string `yaml:"agent_name"`
	AgentRoleDescription string `yaml:"agent_role_description"`

	PermissionsMode           string `yaml:"permissions_mode"`
	CommandApprovalMode       string `yaml:"command_approval_mode"`
	AutoApplyGuardrailTighten bool   `yaml:"auto_apply_guardrail_tighten"`
	AutoApplyCronJobs         bool   `yaml:"auto_apply_cron_jobs"`

	AllowedWriteRoots []string `yaml:"allowed_write_roots"`
	SlackAllowFrom    []string `yaml:"slack_allow_from"`
	TelegramAllowFrom []string `yaml:"telegram_allow_from"`
	WebAllowDomains   []string `yaml:"web_allow_domains"`
	WebDenyDomains    []string `yaml:"web_deny_domains"`

	GuardrailRules []RuleDoc `yaml:"guardrail_rules"`
	CronJobs       []CronDoc `yaml:"cron_jobs"`
}

func defaultPolicy() Policy {
	return Policy{
		AgentName:           "taskloom",
		PermissionsMode:     "read",
		CommandApprovalMode: "guardrails",
	}
}

// PolicyPath returns the path to the policy YAML document within dataDir.
func PolicyPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// LoadPolicy reads the policy document from dataDir/config.yaml, returning
// defaults if the file does not yet exist.
func LoadPolicy(dataDir string) (Policy, error) {
	p := defaultPolicy()
	data, err := os.ReadFile(PolicyPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse config.yaml: %w", err)
	}
	return p, nil
}
