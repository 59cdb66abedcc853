package guardrail

import (
	"context"
	"fmt"

	"github.com/taskloom/taskloom/internal/store"
)

// DefaultCommandRules is the seed rule set for kind="command": every entry
// requires approval rather than denying outright, so an operator can relax
// a specific pattern with an "always" decision instead of editing policy
// before the agent can do anything useful.
var DefaultCommandRules = []store.GuardrailRule{
	{Name: "rm -rf", Kind: "command", PatternKind: store.PatternRegex, Pattern: `\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\b`, Action: store.ActionRequireApproval, Priority: 10, Enabled: true},
	{Name: "sudo", Kind: "command", PatternKind: store.PatternSubstring, Pattern: "sudo", Action: store.ActionRequireApproval, Priority: 20, Enabled: true},
	{Name: "chmod/chown", Kind: "command", PatternKind: store.PatternRegex, Pattern: `\b(chmod|chown)\b`, Action: store.ActionRequireApproval, Priority: 20, Enabled: true},
	{Name: "package managers", Kind: "command", PatternKind: store.PatternRegex, Pattern: `\b(apt(-get)?|yum|dnf|brew|pip|npm|gem)\s+(install|remove|uninstall)\b`, Action: store.ActionRequireApproval, Priority: 30, Enabled: true},
	{Name: "network tools", Kind: "command", PatternKind: store.PatternRegex, Pattern: `\b(curl|wget|nc|netcat|ssh|scp)\b`, Action: store.ActionRequireApproval, Priority: 30, Enabled: true},
	{Name: "shell -c", Kind: "command", PatternKind: store.PatternRegex, Pattern: `\b(bash|sh|zsh)\s+-c\b`, Action: store.ActionRequireApproval, Priority: 40, Enabled: true},
	{Name: "env/printenv", Kind: "command", PatternKind: store.PatternRegex, Pattern: `\b(env|printenv)\b`, Action: store.ActionRequireApproval, Priority: 40, Enabled: true},
	{Name: "proc environ", Kind: "command", PatternKind: store.PatternSubstring, Pattern: "/proc/", Action: store.ActionRequireApproval, Priority: 40, Enabled: true},
}

// SeedDefaults inserts the default command-guardrail rule set if the command
// kind has no rules at all yet, so a fresh deployment starts with the
// require-approval posture rather than allow-everything.
func SeedDefaults(ctx context.Context, st *store.Store) error {
	existing, err := st.ListEnabledGuardrailRules(ctx, "command")
	if err != nil {
		return fmt.Errorf("check existing command rules: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, r := range DefaultCommandRules {
		if _, err := st.InsertGuardrailRule(ctx, r); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	return nil
}
