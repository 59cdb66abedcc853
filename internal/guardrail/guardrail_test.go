package guardrail_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskloom/taskloom/internal/guardrail"
	"github.com/taskloom/taskloom/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEvaluateIsDeterministicByPriorityThenCreatedAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := guardrail.SeedDefaults(ctx, st); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}

	m := guardrail.NewMatcher(st)
	d, err := m.Evaluate(ctx, "command", "sudo rm x")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// "rm -rf" regex (priority 10) does not match "sudo rm x" (no -rf flag);
	// "sudo" substring (priority 20) does, and should win over any later rule.
	if d.Verdict != guardrail.VerdictRequireApproval {
		t.Fatalf("verdict = %v, want require_approval", d.Verdict)
	}
	if d.RuleName != "sudo" {
		t.Fatalf("rule = %q, want the sudo rule (priority 20) to fire first", d.RuleName)
	}
}

func TestEvaluateDefaultsToAllowWithNoMatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := guardrail.SeedDefaults(ctx, st); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}

	m := guardrail.NewMatcher(st)
	d, err := m.Evaluate(ctx, "command", "ls -la")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != guardrail.VerdictAllow {
		t.Fatalf("verdict = %v, want allow for an unmatched command", d.Verdict)
	}
}

func TestEvaluateDenyBeatsLowerPriorityAllow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertGuardrailRule(ctx, store.GuardrailRule{
		Name: "loose-allow", Kind: "command", PatternKind: store.PatternSubstring,
		Pattern: "danger", Action: store.ActionAllow, Priority: 100, Enabled: true,
	}); err != nil {
		t.Fatalf("insert allow rule: %v", err)
	}
	if _, err := st.InsertGuardrailRule(ctx, store.GuardrailRule{
		Name: "strict-deny", Kind: "command", PatternKind: store.PatternSubstring,
		Pattern: "danger", Action: store.ActionDeny, Priority: 10, Enabled: true,
	}); err != nil {
		t.Fatalf("insert deny rule: %v", err)
	}

	m := guardrail.NewMatcher(st)
	d, err := m.Evaluate(ctx, "command", "run danger now")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != guardrail.VerdictDeny || d.RuleName != "strict-deny" {
		t.Fatalf("got %v/%s, want deny from strict-deny (lower priority number wins)", d.Verdict, d.RuleName)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	m := guardrail.NewMatcher(st)

	d, err := m.Evaluate(ctx, "command", "curl http://example.com")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Verdict != guardrail.VerdictAllow {
		t.Fatalf("verdict before rule exists = %v, want allow", d.Verdict)
	}

	if _, err := st.InsertGuardrailRule(ctx, store.GuardrailRule{
		Name: "network", Kind: "command", PatternKind: store.PatternSubstring,
		Pattern: "curl", Action: store.ActionRequireApproval, Priority: 30, Enabled: true,
	}); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	m.Invalidate("command")

	d, err = m.Evaluate(ctx, "command", "curl http://example.com")
	if err != nil {
		t.Fatalf("Evaluate (after invalidate): %v", err)
	}
	if d.Verdict != guardrail.VerdictRequireApproval {
		t.Fatalf("verdict after invalidate = %v, want require_approval", d.Verdict)
	}
}

func TestValidateRuleJSONRejectsBadRegex(t *testing.T) {
	err := guardrail.ValidateRuleJSON([]byte(`{
		"name": "bad", "kind": "command", "pattern_kind": "regex",
		"pattern": "(unclosed", "action": "deny"
	}`))
	if err == nil {
		t.Fatal("expected validation error for an unclosed regex group")
	}
}

func TestValidateRuleJSONAcceptsWellFormedRule(t *testing.T) {
	err := guardrail.ValidateRuleJSON([]byte(`{
		"name": "ok", "kind": "command", "pattern_kind": "exact",
		"pattern": "ls -la", "action": "allow", "priority": 50, "enabled": true
	}`))
	if err != nil {
		t.Fatalf("expected a well-formed rule to validate, got %v", err)
	}
}
