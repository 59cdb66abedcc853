// Package guardrail evaluates command strings and URLs against the ordered
// rule set stored in the Store and returns one of allow, require_approval,
// or deny.
package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/taskloom/taskloom/internal/store"
)

// Verdict is the outcome of a Matcher.Evaluate call.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictRequireApproval
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictRequireApproval:
		return "require_approval"
	case VerdictDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Decision is the result of matching a subject against the rule set: the
// verdict plus, when a rule fired, its id and name for the denial/approval
// message.
type Decision struct {
	Verdict Verdict
	RuleID  string
	RuleName string
}

// Matcher evaluates subjects against a kind's enabled rule set, loaded from
// the Store and cached with compiled regexes until invalidated.
type Matcher struct {
	st *store.Store

	mu    sync.RWMutex
	cache map[string]compiledRuleSet
}

type compiledRule struct {
	id, name string
	kind     store.GuardrailPatternKind
	action   store.GuardrailAction
	re       *regexp.Regexp // only set for PatternRegex
	pattern  string
}

type compiledRuleSet struct {
	rules []compiledRule
}

// NewMatcher creates a Matcher backed by st.
func NewMatcher(st *store.Store) *Matcher {
	return &Matcher{st: st, cache: make(map[string]compiledRuleSet)}
}

// Invalidate drops the cached rule set for kind (or all kinds if kind is
// empty), forcing the next Evaluate to reload from the Store. Called after
// any guardrail_rules insert, including the ones the ApprovalRegistry
// synthesizes for "always" decisions.
func (m *Matcher) Invalidate(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == "" {
		m.cache = make(map[string]compiledRuleSet)
		return
	}
	delete(m.cache, kind)
}

// Evaluate returns Allow, RequireApproval, or Deny for subject under the
// rule set for kind, evaluated in (priority ASC, created_at ASC) order with
// first-match-wins. No match means Allow (fail-open by default; the default
// rule set is what actually locks things down).
func (m *Matcher) Evaluate(ctx context.Context, kind, subject string) (Decision, error) {
	set, err := m.ruleSet(ctx, kind)
	if err != nil {
		return Decision{}, fmt.Errorf("load rule set for %q: %w", kind, err)
	}

	for _, r := range set.rules {
		if r.matches(subject) {
			verdict := VerdictAllow
			switch r.action {
			case store.ActionRequireApproval:
				verdict = VerdictRequireApproval
			case store.ActionDeny:
				verdict = VerdictDeny
			}
			return Decision{Verdict: verdict, RuleID: r.id, RuleName: r.name}, nil
		}
	}
	return Decision{Verdict: VerdictAllow}, nil
}

func (r compiledRule) matches(subject string) bool {
	switch r.kind {
	case store.PatternRegex:
		return r.re != nil && r.re.MatchString(subject)
	case store.PatternExact:
		return subject == r.pattern
	case store.PatternSubstring:
		return strings.Contains(strings.ToLower(subject), strings.ToLower(r.pattern))
	default:
		return false
	}
}

func (m *Matcher) ruleSet(ctx context.Context, kind string) (compiledRuleSet, error) {
	m.mu.RLock()
	set, ok := m.cache[kind]
	m.mu.RUnlock()
	if ok {
		return set, nil
	}

	rules, err := m.st.ListEnabledGuardrailRules(ctx, kind)
	if err != nil {
		return compiledRuleSet{}, err
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{id: r.ID, name: r.Name, kind: r.PatternKind, action: r.Action, pattern: r.Pattern}
		if r.PatternKind == store.PatternRegex {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				// A rule whose pattern fails to compile is skipped rather than
				// panicking the matcher; InsertGuardrailRule validation is meant
				// to catch this earlier.
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}
	set = compiledRuleSet{rules: compiled}

	m.mu.Lock()
	m.cache[kind] = set
	m.mu.Unlock()
	return set, nil
}
