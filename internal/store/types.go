package store

import "time"

// TaskStatus is the lifecycle state of a Task row.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// allowedTaskTransitions enumerates every legal TaskStatus edge. Any
// transition not listed here is rejected by transitionTaskTx.
var allowedTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskCancelled},
	TaskRunning: {TaskDone, TaskError, TaskCancelled, TaskQueued}, // queued: crash-recovery re-enqueue
}

func canTransitionTask(from, to TaskStatus) bool {
	for _, allowed := range allowedTaskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is a single unit of work bound to a conversation. ID is the tasks
// table's AUTOINCREMENT rowid: monotonically increasing, so it doubles as
// the creation-order tiebreak ClaimNextTask's candidate query needs when two
// tasks land in the same conversation within the same created_at second.
type Task struct {
	ID                 int64
	Status             TaskStatus
	Provider           string
	WorkspaceID        string
	ChannelID          string
	ThreadTS           string
	EventTS            string
	ConversationKey    string
	RequestedByUserID  string
	PromptText         string
	ResultText         string
	ErrorText          string
	IsProactive        bool
	ReenqueueCount     int
	CancelRequested    bool
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
}

// Session tracks per-conversation continuity state for the external agent.
type Session struct {
	ConversationKey string
	ThreadID        string
	MemorySummary   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalKind enumerates what an Approval is gating.
type ApprovalKind string

const (
	ApprovalCommandExecution ApprovalKind = "command_execution"
	ApprovalGuardrailRuleAdd ApprovalKind = "guardrail_rule_add"
	ApprovalCronJobAdd       ApprovalKind = "cron_job_add"
)

// ApprovalStatus is the lifecycle state of an Approval row.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalDecision is the actor's resolution of a pending Approval.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
	DecisionAlways  ApprovalDecision = "always"
)

// Approval is a durable record of a pending or resolved human decision.
type Approval struct {
	ID                string
	Kind              ApprovalKind
	Status            ApprovalStatus
	Decision          ApprovalDecision
	WorkspaceID       string
	ChannelID         string
	ThreadTS          string
	RequestedByUserID string
	Details           string // opaque JSON blob describing the artifact to authorize
	DecidedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

// GuardrailPatternKind is how GuardrailRule.Pattern is matched.
type GuardrailPatternKind string

const (
	PatternRegex     GuardrailPatternKind = "regex"
	PatternExact     GuardrailPatternKind = "exact"
	PatternSubstring GuardrailPatternKind = "substring"
)

// GuardrailAction is the verdict a matching GuardrailRule produces.
type GuardrailAction string

const (
	ActionAllow           GuardrailAction = "allow"
	ActionRequireApproval GuardrailAction = "require_approval"
	ActionDeny            GuardrailAction = "deny"
)

// GuardrailRule is one ordered policy rule.
type GuardrailRule struct {
	ID          string
	Name        string
	Kind        string // "command", "web_fetch", ...
	PatternKind GuardrailPatternKind
	Pattern     string
	Action      GuardrailAction
	Priority    int
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CronScheduleKind is how a CronJob's firing instants are computed.
type CronScheduleKind string

const (
	ScheduleEvery CronScheduleKind = "every"
	ScheduleCron  CronScheduleKind = "cron"
	ScheduleAt    CronScheduleKind = "at"
)

// CronFireMode is what happens when a CronJob fires.
type CronFireMode string

const (
	FireAgent   CronFireMode = "agent"
	FireMessage CronFireMode = "message"
)

// CronJob is a scheduled, possibly-recurring, proactive action.
type CronJob struct {
	ID           string
	Name         string
	Enabled      bool
	ScheduleKind CronScheduleKind
	EverySeconds *int
	CronExpr     string
	AtTS         *time.Time
	Provider     string
	WorkspaceID  string
	ChannelID    string
	ThreadTS     string
	PromptText   string
	Mode         CronFireMode
	NextRunAt    *time.Time
	LastRunAt    *time.Time
	LastStatus   string
	LastError    string
	CreatedAt    time.Time
}

// MemoryScope is the binding of an ObservationalMemory row.
type MemoryScope string

const (
	ScopeThread   MemoryScope = "thread"
	ScopeResource MemoryScope = "resource"
)

// ObservationalMemory is the Worker's rolling per-key observation digest.
type ObservationalMemory struct {
	MemoryKey         string
	Scope             MemoryScope
	ObservationLog    string
	ReflectionSummary string
	UpdatedAt         time.Time
}

// Settings is the singleton configuration row.
type Settings struct {
	PermissionsMode            string // read | write | all
	CommandApprovalMode        string // auto | guardrails | always_ask
	AutoApplyGuardrailTighten  bool
	AutoApplyCronJobs          bool
	AllowedWriteRoots          []string
	SlackAllowFrom             []string
	TelegramAllowFrom          []string
	WebAllowDomains            []string
	WebDenyDomains             []string
	AgentName                  string
	AgentRoleDescription       string
}
