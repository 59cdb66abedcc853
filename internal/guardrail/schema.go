package guardrail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

func compileCheck(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// ruleSchemaJSON describes the shape an operator-proposed GuardrailRule must
// have before InsertGuardrailRule ever sees it. This is the one place
// malformed policy could corrupt matching (a rule the matcher can't
// interpret fails silently, either over- or under-blocking), so it is
// schema-checked rather than trusted.
const ruleSchemaJSON = `{
	"type": "object",
	"required": ["name", "kind", "pattern_kind", "pattern", "action"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "minLength": 1},
		"pattern_kind": {"type": "string", "enum": ["regex", "exact", "substring"]},
		"pattern": {"type": "string", "minLength": 1},
		"action": {"type": "string", "enum": ["allow", "require_approval", "deny"]},
		"priority": {"type": "integer"},
		"enabled": {"type": "boolean"}
	}
}`

var ruleSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(ruleSchemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("guardrail: invalid embedded rule schema: %v", err))
	}
	if err := compiler.AddResource("guardrail-rule.json", doc); err != nil {
		panic(fmt.Sprintf("guardrail: add rule schema resource: %v", err))
	}
	ruleSchema, err = compiler.Compile("guardrail-rule.json")
	if err != nil {
		panic(fmt.Sprintf("guardrail: compile rule schema: %v", err))
	}
}

// ValidateRuleJSON checks a candidate rule (as proposed over the admin API)
// against the GuardrailRule shape, and that a regex pattern actually
// compiles, before the caller ever reaches InsertGuardrailRule.
func ValidateRuleJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	if err := ruleSchema.Validate(v); err != nil {
		return fmt.Errorf("rule does not match schema: %w", err)
	}

	var candidate struct {
		PatternKind string `json:"pattern_kind"`
		Pattern     string `json:"pattern"`
	}
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	if candidate.PatternKind == "regex" {
		if _, err := compileCheck(candidate.Pattern); err != nil {
			return fmt.Errorf("pattern does not compile as regex: %w", err)
		}
	}
	return nil
}
