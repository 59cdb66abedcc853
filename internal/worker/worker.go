// Package worker executes one claimed Task at a time: it assembles turn
// context, drives the agentturn.Runner, mediates every command execution,
// web fetch, and guardrail/cron proposal the agent raises mid-turn, and
// persists the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/taskloom/taskloom/internal/agentturn"
	"github.com/taskloom/taskloom/internal/approval"
	"github.com/taskloom/taskloom/internal/audit"
	"github.com/taskloom/taskloom/internal/cron"
	"github.com/taskloom/taskloom/internal/guardrail"
	"github.com/taskloom/taskloom/internal/notifier"
	tlotel "github.com/taskloom/taskloom/internal/otel"
	"github.com/taskloom/taskloom/internal/store"
	"github.com/taskloom/taskloom/internal/taskerr"
)

// errCancelled is returned internally by the wait helpers when the task's
// cancel_requested flag is observed while blocked on an approval.
var errCancelled = errors.New("task cancelled while awaiting approval")

// Worker is the per-task execution unit the Dispatcher hands claimed tasks
// to.
type Worker struct {
	st        *store.Store
	matcher   *guardrail.Matcher
	approvals *approval.Registry
	runner    agentturn.Runner
	notifier  notifier.Notifier
	logger    *slog.Logger
	tracer    trace.Tracer

	approvalTimeout time.Duration
}

// Config holds a Worker's dependencies.
type Config struct {
	Store           *store.Store
	Matcher         *guardrail.Matcher
	Approvals       *approval.Registry
	Runner          agentturn.Runner
	Notifier        notifier.Notifier // may be nil: results are persisted but not posted
	Logger          *slog.Logger
	Tracer          trace.Tracer // optional; defaults to a no-op tracer
	ApprovalTimeout time.Duration // default 24h, matches approval.Registry's own expiry default
}

// New creates a Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tlotel.TracerName)
	}
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Worker{
		st:              cfg.Store,
		matcher:         cfg.Matcher,
		approvals:       cfg.Approvals,
		runner:          cfg.Runner,
		notifier:        cfg.Notifier,
		logger:          logger,
		tracer:          tracer,
		approvalTimeout: timeout,
	}
}

// Run executes a single claimed task to completion (done or error) and
// persists the outcome. The caller (Dispatcher) owns lease renewal and
// release; Run only touches task/session/memory state.
func (w *Worker) Run(ctx context.Context, task store.Task) error {
	settings, err := w.st.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	sess, err := w.st.GetOrCreateSession(ctx, task.ConversationKey)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	memoryKey := task.ConversationKey
	mem, err := w.st.GetObservationalMemory(ctx, memoryKey)
	if err != nil {
		return fmt.Errorf("load observational memory: %w", err)
	}
	var reflection string
	if mem != nil {
		reflection = mem.ReflectionSummary
	}

	in := agentturn.TurnInput{
		ThreadID:          sess.ThreadID,
		ConversationKey:   task.ConversationKey,
		Prompt:            task.PromptText,
		MemorySummary:     sess.MemorySummary,
		ReflectionSummary: reflection,
		AgentName:         settings.AgentName,
		AgentRole:         settings.AgentRoleDescription,
		Callbacks: agentturn.Callbacks{
			OnCommand: func(ctx context.Context, command, cwd string) (agentturn.ToolResult, error) {
				return w.mediateCommand(ctx, task, settings, command, cwd)
			},
			OnWebFetch: func(ctx context.Context, rawURL string) (agentturn.ToolResult, error) {
				return w.mediateWebFetch(ctx, task, settings, rawURL)
			},
			OnGuardrailRuleAdd: func(ctx context.Context, proposal agentturn.RuleProposal) (agentturn.ToolResult, error) {
				return w.mediateGuardrailProposal(ctx, task, settings, proposal)
			},
			OnCronJobAdd: func(ctx context.Context, proposal agentturn.CronProposal) (agentturn.ToolResult, error) {
				return w.mediateCronProposal(ctx, task, settings, proposal)
			},
		},
	}

	turnCtx, span := tlotel.StartClientSpan(ctx, w.tracer, "taskloom.worker.turn",
		tlotel.AttrTaskID.Int64(task.ID), tlotel.AttrConversationKey.String(task.ConversationKey))
	out, runErr := w.runner.RunTurn(turnCtx, in)
	span.End()

	cancelled, cerr := w.st.IsCancelRequested(ctx, task.ID)
	if cerr == nil && cancelled {
		if err := w.st.ApplyCancel(ctx, task.ID); err != nil {
			w.logger.Error("apply cancel failed", "task_id", task.ID, "error", err)
		}
		return nil
	}

	if runErr != nil {
		if errors.Is(runErr, errCancelled) {
			if err := w.st.ApplyCancel(ctx, task.ID); err != nil {
				w.logger.Error("apply cancel failed", "task_id", task.ID, "error", err)
			}
			return nil
		}
		reason := taskerr.ReasonOf(runErr)
		if reason == "" {
			reason = "turn execution failed"
		}
		if err := w.st.FailTask(ctx, task.ID, reason); err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		w.postResult(ctx, task, "Sorry, I hit an error: "+reason)
		return nil
	}

	if err := w.st.UpdateSession(ctx, task.ConversationKey, out.ThreadID, out.NewSummary); err != nil {
		w.logger.Error("update session failed", "conversation_key", task.ConversationKey, "error", err)
	}
	if out.NewSummary != "" {
		if err := w.st.UpsertObservationalMemory(ctx, store.ObservationalMemory{
			MemoryKey:         memoryKey,
			Scope:             store.ScopeThread,
			ObservationLog:    strings.Join(out.ToolTranscript, "\n"),
			ReflectionSummary: out.NewSummary,
		}); err != nil {
			w.logger.Error("upsert observational memory failed", "memory_key", memoryKey, "error", err)
		}
	}

	if err := w.st.CompleteTask(ctx, task.ID, out.ResultText); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	w.postResult(ctx, task, out.ResultText)
	return nil
}

func (w *Worker) postResult(ctx context.Context, task store.Task, body string) {
	if w.notifier == nil || body == "" {
		return
	}
	if err := w.notifier.Post(ctx, task.WorkspaceID, task.ChannelID, task.ThreadTS, body); err != nil {
		w.logger.Warn("post result failed", "task_id", task.ID, "error", err)
	}
}

// mediateCommand applies command_approval_mode to a single command
// execution request, returning the verdict the agent sees.
func (w *Worker) mediateCommand(ctx context.Context, task store.Task, settings store.Settings, command, cwd string) (agentturn.ToolResult, error) {
	switch settings.CommandApprovalMode {
	case "auto":
		if w.autoWriteAllowed(settings, cwd) {
			recordAudit("allow", "command", command, "auto mode: write-allowed cwd", task)
			return agentturn.ToolResult{Allowed: true}, nil
		}
		recordAudit("deny", "command", command, "auto mode: cwd not write-allowed", task)
		return agentturn.ToolResult{Allowed: false, RefusalReason: "command denied: working directory is not under an allowed write root"}, nil
	case "always_ask":
		return w.requestCommandApproval(ctx, task, command)
	}

	decision, err := w.matcher.Evaluate(ctx, "command", command)
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("evaluate command guardrails: %w", err)
	}

	switch decision.Verdict {
	case guardrail.VerdictDeny:
		recordAudit("deny", "command", command, decision.RuleName, task)
		return agentturn.ToolResult{Allowed: false, RefusalReason: "blocked by guardrail rule " + decision.RuleName}, nil
	case guardrail.VerdictAllow:
		recordAudit("allow", "command", command, decision.RuleName, task)
		return agentturn.ToolResult{Allowed: true}, nil
	default:
		return w.requestCommandApproval(ctx, task, command)
	}
}

func (w *Worker) requestCommandApproval(ctx context.Context, task store.Task, command string) (agentturn.ToolResult, error) {
	id, err := w.approvals.Create(ctx, store.ApprovalCommandExecution, task.WorkspaceID, task.ChannelID, task.ThreadTS, task.RequestedByUserID, command)
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("create approval: %w", err)
	}
	resolved, err := w.waitApproval(ctx, task, id)
	if err != nil {
		return agentturn.ToolResult{}, err
	}
	switch resolved.Status {
	case store.ApprovalApproved:
		recordAudit("approve", "command", command, "", task)
		return agentturn.ToolResult{Allowed: true}, nil
	default:
		recordAudit("deny", "command", command, string(resolved.Status), task)
		return agentturn.ToolResult{Allowed: false, RefusalReason: "not approved by operator"}, nil
	}
}

// autoWriteAllowed implements the resolved open question: auto mode permits
// a command iff permissions_mode is write or all and cwd falls under one of
// AllowedWriteRoots.
func (w *Worker) autoWriteAllowed(settings store.Settings, cwd string) bool {
	if settings.PermissionsMode != "write" && settings.PermissionsMode != "all" {
		return false
	}
	if cwd == "" || len(settings.AllowedWriteRoots) == 0 {
		return false
	}
	for _, root := range settings.AllowedWriteRoots {
		if root == "" {
			continue
		}
		if cwd == root || strings.HasPrefix(cwd, strings.TrimSuffix(root, "/")+"/") {
			return true
		}
	}
	return false
}

// mediateWebFetch enforces the domain allow/deny lists and private-network
// block before falling back to the guardrail matcher for the "web_fetch"
// kind, the same decision ladder mediateCommand uses for "command".
func (w *Worker) mediateWebFetch(ctx context.Context, task store.Task, settings store.Settings, rawURL string) (agentturn.ToolResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return agentturn.ToolResult{Allowed: false, RefusalReason: "invalid URL"}, nil
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return agentturn.ToolResult{Allowed: false, RefusalReason: "unsupported URL scheme"}, nil
	}
	host := strings.ToLower(u.Hostname())

	if isPrivateOrLocalHost(host) {
		recordAudit("deny", "web_fetch", rawURL, "private network host", task)
		return agentturn.ToolResult{Allowed: false, RefusalReason: "host is not publicly routable"}, nil
	}
	for _, deny := range settings.WebDenyDomains {
		if domainMatches(host, deny) {
			recordAudit("deny", "web_fetch", rawURL, "deny-listed domain", task)
			return agentturn.ToolResult{Allowed: false, RefusalReason: "domain is deny-listed"}, nil
		}
	}
	if len(settings.WebAllowDomains) > 0 {
		allowed := false
		for _, allow := range settings.WebAllowDomains {
			if domainMatches(host, allow) {
				allowed = true
				break
			}
		}
		if !allowed {
			recordAudit("deny", "web_fetch", rawURL, "not in allow list", task)
			return agentturn.ToolResult{Allowed: false, RefusalReason: "domain is not in the allow list"}, nil
		}
	}

	decision, err := w.matcher.Evaluate(ctx, "web_fetch", rawURL)
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("evaluate web_fetch guardrails: %w", err)
	}
	switch decision.Verdict {
	case guardrail.VerdictDeny:
		recordAudit("deny", "web_fetch", rawURL, decision.RuleName, task)
		return agentturn.ToolResult{Allowed: false, RefusalReason: "blocked by guardrail rule " + decision.RuleName}, nil
	case guardrail.VerdictRequireApproval:
		id, err := w.approvals.Create(ctx, store.ApprovalCommandExecution, task.WorkspaceID, task.ChannelID, task.ThreadTS, task.RequestedByUserID, rawURL)
		if err != nil {
			return agentturn.ToolResult{}, fmt.Errorf("create approval: %w", err)
		}
		resolved, err := w.waitApproval(ctx, task, id)
		if err != nil {
			return agentturn.ToolResult{}, err
		}
		if resolved.Status == store.ApprovalApproved {
			recordAudit("approve", "web_fetch", rawURL, "", task)
			return agentturn.ToolResult{Allowed: true}, nil
		}
		recordAudit("deny", "web_fetch", rawURL, string(resolved.Status), task)
		return agentturn.ToolResult{Allowed: false, RefusalReason: "not approved by operator"}, nil
	default:
		recordAudit("allow", "web_fetch", rawURL, decision.RuleName, task)
		return agentturn.ToolResult{Allowed: true}, nil
	}
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isPrivateOrLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// mediateGuardrailProposal handles a ToolGuardrailRuleAdd call: validates the
// proposed rule, and either applies it immediately (auto_apply_guardrail_
// tighten, for tightening actions only) or routes it through an approval.
func (w *Worker) mediateGuardrailProposal(ctx context.Context, task store.Task, settings store.Settings, proposal agentturn.RuleProposal) (agentturn.ToolResult, error) {
	raw, err := json.Marshal(proposal)
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("marshal rule proposal: %w", err)
	}
	if err := guardrail.ValidateRuleJSON(raw); err != nil {
		return agentturn.ToolResult{Allowed: false, RefusalReason: "proposed rule is invalid: " + err.Error()}, nil
	}

	tightening := proposal.Action == string(store.ActionDeny) || proposal.Action == string(store.ActionRequireApproval)
	if settings.AutoApplyGuardrailTighten && tightening {
		if _, err := w.st.InsertGuardrailRule(ctx, store.GuardrailRule{
			Name: proposal.Name, Kind: proposal.Kind, PatternKind: store.GuardrailPatternKind(proposal.PatternKind),
			Pattern: proposal.Pattern, Action: store.GuardrailAction(proposal.Action), Priority: proposal.Priority, Enabled: true,
		}); err != nil {
			return agentturn.ToolResult{}, fmt.Errorf("insert guardrail rule: %w", err)
		}
		w.matcher.Invalidate(proposal.Kind)
		recordAudit("allow", "guardrail_rule_add", proposal.Name, "auto-applied tightening", task)
		return agentturn.ToolResult{Allowed: true, Output: "rule applied immediately"}, nil
	}

	id, err := w.approvals.Create(ctx, store.ApprovalGuardrailRuleAdd, task.WorkspaceID, task.ChannelID, task.ThreadTS, task.RequestedByUserID, string(raw))
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("create approval: %w", err)
	}
	resolved, err := w.waitApproval(ctx, task, id)
	if err != nil {
		return agentturn.ToolResult{}, err
	}
	if resolved.Status != store.ApprovalApproved {
		return agentturn.ToolResult{Allowed: false, RefusalReason: "rule proposal not approved"}, nil
	}
	if _, err := w.st.InsertGuardrailRule(ctx, store.GuardrailRule{
		Name: proposal.Name, Kind: proposal.Kind, PatternKind: store.GuardrailPatternKind(proposal.PatternKind),
		Pattern: proposal.Pattern, Action: store.GuardrailAction(proposal.Action), Priority: proposal.Priority, Enabled: true,
	}); err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("insert guardrail rule: %w", err)
	}
	w.matcher.Invalidate(proposal.Kind)
	return agentturn.ToolResult{Allowed: true}, nil
}

// mediateCronProposal handles a ToolCronJobAdd call the same way: immediate
// apply under auto_apply_cron_jobs, otherwise an approval round-trip.
func (w *Worker) mediateCronProposal(ctx context.Context, task store.Task, settings store.Settings, proposal agentturn.CronProposal) (agentturn.ToolResult, error) {
	job := store.CronJob{
		Name: proposal.Name, Enabled: true, ScheduleKind: store.CronScheduleKind(proposal.ScheduleKind),
		Provider: task.Provider, WorkspaceID: task.WorkspaceID, ChannelID: task.ChannelID, ThreadTS: task.ThreadTS,
		PromptText: proposal.PromptText, Mode: store.CronFireMode(proposal.Mode), CronExpr: proposal.CronExpr,
	}
	if proposal.EverySeconds > 0 {
		n := proposal.EverySeconds
		job.EverySeconds = &n
	}

	create := func() (agentturn.ToolResult, error) {
		next, err := cron.NextRunTime(job, time.Now())
		if err != nil {
			return agentturn.ToolResult{Allowed: false, RefusalReason: "invalid schedule: " + err.Error()}, nil
		}
		job.NextRunAt = next
		if _, err := w.st.CreateCronJob(ctx, job); err != nil {
			return agentturn.ToolResult{}, fmt.Errorf("insert cron job: %w", err)
		}
		return agentturn.ToolResult{Allowed: true}, nil
	}

	if settings.AutoApplyCronJobs {
		recordAudit("allow", "cron_job_add", proposal.Name, "auto-applied", task)
		return create()
	}

	raw, err := json.Marshal(proposal)
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("marshal cron proposal: %w", err)
	}
	id, err := w.approvals.Create(ctx, store.ApprovalCronJobAdd, task.WorkspaceID, task.ChannelID, task.ThreadTS, task.RequestedByUserID, string(raw))
	if err != nil {
		return agentturn.ToolResult{}, fmt.Errorf("create approval: %w", err)
	}
	resolved, err := w.waitApproval(ctx, task, id)
	if err != nil {
		return agentturn.ToolResult{}, err
	}
	if resolved.Status != store.ApprovalApproved {
		return agentturn.ToolResult{Allowed: false, RefusalReason: "cron job proposal not approved"}, nil
	}
	return create()
}

// waitApproval blocks on the approval registry in bounded slices so a
// cancel_requested flag set mid-wait is observed promptly instead of only
// once the whole approval timeout elapses.
func (w *Worker) waitApproval(ctx context.Context, task store.Task, approvalID string) (*store.Approval, error) {
	deadline := time.Now().Add(w.approvalTimeout)
	const pollSlice = 5 * time.Second
	for {
		sliceDeadline := deadline
		if d := time.Now().Add(pollSlice); d.Before(deadline) {
			sliceDeadline = d
		}
		a, err := w.approvals.Wait(ctx, approvalID, sliceDeadline)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, approval.ErrTimedOut) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, approval.ErrTimedOut
		}
		if cancelled, cerr := w.st.IsCancelRequested(ctx, task.ID); cerr == nil && cancelled {
			return nil, errCancelled
		}
	}
}

func recordAudit(decision, kind, subject, reason string, task store.Task) {
	audit.Record(decision, kind, subject, reason, task.ConversationKey, task.RequestedByUserID)
}
