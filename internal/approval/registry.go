// Package approval implements the human-in-the-loop decision lifecycle:
// creating pending Approval records, correlating them with in-process
// waiters, and applying operator decisions (including the "always" rule
// synthesis) atomically in the Store.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskloom/taskloom/internal/bus"
	"github.com/taskloom/taskloom/internal/guardrail"
	"github.com/taskloom/taskloom/internal/store"
)

// ErrTimedOut is returned by Wait when the deadline elapses before a
// decision (or expiry) is observed.
var ErrTimedOut = errors.New("approval wait timed out")

// Notifier is the narrow slice of notifier.Notifier the registry needs: it
// posts the interactive approval prompt when a record is created.
type Notifier interface {
	RequestApproval(ctx context.Context, workspaceID, channelID, threadTS string, details string, approvalID string) error
}

// Registry is the ApprovalRegistry component.
type Registry struct {
	st       *store.Store
	bus      *bus.Bus
	matcher  *guardrail.Matcher
	notifier Notifier
	logger   *slog.Logger

	expireAfter time.Duration
}

// New creates a Registry. notifier may be nil in tests that don't exercise
// delivery; matcher may be nil if the caller never decides "always" on
// non-command approvals (cron_job_add, guardrail_rule_add never synthesize
// a guardrail rule, so Invalidate is simply skipped for them).
func New(st *store.Store, b *bus.Bus, matcher *guardrail.Matcher, notifier Notifier, logger *slog.Logger, expireAfter time.Duration) *Registry {
	if expireAfter <= 0 {
		expireAfter = 24 * time.Hour
	}
	return &Registry{st: st, bus: b, matcher: matcher, notifier: notifier, logger: logger, expireAfter: expireAfter}
}

// Create inserts a pending approval and notifies the user, returning a
// waitable id.
func (r *Registry) Create(ctx context.Context, kind store.ApprovalKind, workspaceID, channelID, threadTS, requestedByUserID, details string) (string, error) {
	id, err := r.st.CreateApproval(ctx, store.Approval{
		Kind: kind, WorkspaceID: workspaceID, ChannelID: channelID, ThreadTS: threadTS,
		RequestedByUserID: requestedByUserID, Details: details,
	})
	if err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	if r.notifier != nil {
		if err := r.notifier.RequestApproval(ctx, workspaceID, channelID, threadTS, details, id); err != nil {
			if r.logger != nil {
				r.logger.Warn("approval notifier delivery failed", "approval_id", id, "error", err)
			}
		}
	}
	return id, nil
}

// Decide applies an operator's decision to a pending approval. normalized is
// the command text to synthesize an allow-rule from on decision=always for
// command_execution approvals; it is ignored for other kinds. Callers that
// don't have it handy (a chat button press, an admin API call keyed only by
// approval id) can pass "", since a command_execution approval's own Details
// field is already the normalized command worker.go requested approval for.
func (r *Registry) Decide(ctx context.Context, approvalID string, decision store.ApprovalDecision, actor, normalizedCommand string) (*store.Approval, error) {
	a, err := r.st.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("approval %s not found", approvalID)
	}
	if normalizedCommand == "" && a.Kind == store.ApprovalCommandExecution {
		normalizedCommand = a.Details
	}

	var rule *store.NormalizedRuleInput
	if decision == store.DecisionAlways && a.Kind == store.ApprovalCommandExecution && normalizedCommand != "" {
		rule = &store.NormalizedRuleInput{
			Name:    "always: " + normalizedCommand,
			Kind:    "command",
			Pattern: normalizedCommand,
		}
	}

	resolved, _, err := r.st.DecideApproval(ctx, approvalID, decision, actor, rule)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if rule != nil && r.matcher != nil {
		r.matcher.Invalidate("command")
	}
	return resolved, nil
}

// Wait blocks until approvalID reaches a terminal status or deadline
// elapses. It follows the check-terminal, subscribe, check-terminal-again
// pattern so a decision that lands between the two checks is never missed:
// checking once before subscribing would race a fast decision, and
// subscribing without a final re-check would race a decision that lands in
// the gap before the subscription is registered.
func (r *Registry) Wait(ctx context.Context, approvalID string, deadline time.Time) (*store.Approval, error) {
	if a, done := r.checkTerminal(ctx, approvalID); done {
		return a, nil
	}

	var sub *bus.Subscription
	if r.bus != nil {
		sub = r.bus.Subscribe(bus.TopicApprovalDecided)
		defer r.bus.Unsubscribe(sub)
	}

	if a, done := r.checkTerminal(ctx, approvalID); done {
		return a, nil
	}

	for {
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return nil, ErrTimedOut
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timeout = timer.C
		}

		if sub == nil {
			// No bus configured: fall back to a bounded poll.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			case <-timeout:
				return nil, ErrTimedOut
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timeout:
				return nil, ErrTimedOut
			case ev, ok := <-sub.Ch():
				if !ok {
					return nil, ErrTimedOut
				}
				if ev.Payload != approvalID {
					continue
				}
			}
		}

		if a, done := r.checkTerminal(ctx, approvalID); done {
			return a, nil
		}
	}
}

func (r *Registry) checkTerminal(ctx context.Context, approvalID string) (*store.Approval, bool) {
	a, err := r.st.GetApproval(ctx, approvalID)
	if err != nil || a == nil {
		return nil, false
	}
	if a.Status != store.ApprovalPending {
		return a, true
	}
	return nil, false
}

// RunExpirySweep runs ExpireOverdue once and wakes any waiters for the
// approvals it expired. Called on a ticker by the owning process and
// opportunistically by Wait on its own timeout.
func (r *Registry) RunExpirySweep(ctx context.Context) error {
	ids, err := r.st.ExpireOverdueApprovals(ctx, r.expireAfter)
	if err != nil {
		return fmt.Errorf("expire overdue approvals: %w", err)
	}
	if len(ids) > 0 && r.logger != nil {
		r.logger.Info("expired overdue approvals", "count", len(ids))
	}
	return nil
}

// RunSweepLoop runs RunExpirySweep on a ticker until ctx is cancelled.
func (r *Registry) RunSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunExpirySweep(ctx); err != nil && r.logger != nil {
				r.logger.Error("approval expiry sweep failed", "error", err)
			}
		}
	}
}
