// Package agentturn defines the AgentTurn executor boundary: the Worker
// invokes Runner.RunTurn once per claimed Task, supplying callbacks the
// external agent's tool calls are mediated through. The real LLM/tool
// backend behind a Runner is out of scope for this repository (see spec.md
// §1); HTTPRunner is a reference adapter exercised by its own tests.
package agentturn

import "context"

// HistoryMessage is one prior message of turn context, assembled by the
// Worker from the Session, ObservationalMemory, or the provider's own
// history (Slack thread replies, the local Telegram buffer).
type HistoryMessage struct {
	Role string // "user" | "assistant"
	Text string
}

// ToolKind enumerates what a mid-turn tool call the Runner surfaces is
// asking the Worker to mediate.
type ToolKind string

const (
	ToolCommandExecution ToolKind = "command_execution"
	ToolWebFetch         ToolKind = "web_fetch"
	ToolGuardrailRuleAdd ToolKind = "guardrail_rule_add"
	ToolCronJobAdd       ToolKind = "cron_job_add"
)

// RuleProposal is the shape a ToolGuardrailRuleAdd call carries: the agent
// proposing a new GuardrailRule for the operator (or auto-apply policy) to
// accept.
type RuleProposal struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	PatternKind string `json:"pattern_kind"`
	Pattern     string `json:"pattern"`
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
}

// CronProposal is the shape a ToolCronJobAdd call carries.
type CronProposal struct {
	Name         string `json:"name"`
	ScheduleKind string `json:"schedule_kind"`
	EverySeconds int    `json:"every_seconds,omitempty"`
	CronExpr     string `json:"cron_expr,omitempty"`
	PromptText   string `json:"prompt_text"`
	Mode         string `json:"mode"`
}

// ToolCall is one mediation point the Runner raises mid-turn. Exactly one of
// Subject, RuleProposal, CronProposal is populated, matching Kind.
type ToolCall struct {
	ID           string
	Kind         ToolKind
	Subject      string // command line or URL, for ToolCommandExecution/ToolWebFetch
	Cwd          string // working directory, for ToolCommandExecution only
	RuleProposal *RuleProposal
	CronProposal *CronProposal
}

// ToolResult is the Worker's mediation verdict for a ToolCall, fed back to
// the Runner so the agent can see why a call was refused.
type ToolResult struct {
	Allowed       bool
	Output        string // only meaningful when Allowed
	RefusalReason string // short, user-safe; never the raw policy internals
}

// Callbacks are invoked by the Runner, synchronously, once per mid-turn tool
// call the agent emits. The Worker supplies the closures; mediation logic
// (GuardrailMatcher, ApprovalRegistry, domain allow/deny lists) lives there,
// not in the Runner.
type Callbacks struct {
	OnCommand          func(ctx context.Context, command, cwd string) (ToolResult, error)
	OnWebFetch         func(ctx context.Context, rawURL string) (ToolResult, error)
	OnGuardrailRuleAdd func(ctx context.Context, proposal RuleProposal) (ToolResult, error)
	OnCronJobAdd       func(ctx context.Context, proposal CronProposal) (ToolResult, error)
}

// TurnInput is what the Worker hands to Runner.RunTurn.
type TurnInput struct {
	ThreadID          string // external agent's thread id, empty on first turn
	ConversationKey   string
	Prompt            string
	History           []HistoryMessage
	MemorySummary     string
	ReflectionSummary string
	AgentName         string
	AgentRole         string
	Callbacks         Callbacks
}

// TurnOutput is what a completed turn returns for the Worker to persist.
type TurnOutput struct {
	ThreadID       string
	ResultText     string
	NewSummary     string
	ToolTranscript []string
}

// Runner is the AgentTurn executor boundary.
type Runner interface {
	RunTurn(ctx context.Context, in TurnInput) (TurnOutput, error)
}
