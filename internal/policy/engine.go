package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/manpreetbhatti/codestream/internal/room"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine evaluates code execution requests against a rego policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent, which must define
// data.execution_policy.result.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.execution_policy.result"),
		rego.Module("execution_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for input and the reasons behind a block.
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (string, []string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return "", nil, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}

	decision, _ := obj["decision"].(string)
	var reasons []string
	if raw, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	sort.Strings(reasons)
	return decision, reasons, nil
}

// Allow decides whether code in language may run.
func (e *Engine) Allow(ctx context.Context, language room.Language, code, input string) (bool, string, error) {
	decision, reasons, err := e.Evaluate(ctx, map[string]interface{}{
		"language":   string(language),
		"code_size":  len(code),
		"input_size": len(input),
	})
	if err != nil {
		return false, "", err
	}
	if decision == DecisionBlock {
		return false, strings.Join(reasons, "; "), nil
	}
	return true, "", nil
}

// DefaultPolicy blocks unsupported languages and oversized submissions.
const DefaultPolicy = `
package execution_policy

max_code_size = 65536

max_input_size = 65536

supported_languages = {"python", "cpp"}

reasons[msg] {
	not supported_languages[input.language]
	msg := sprintf("Unsupported language: %s", [input.language])
}

reasons[msg] {
	input.code_size > max_code_size
	msg := sprintf("Code exceeds %d bytes", [max_code_size])
}

reasons[msg] {
	input.input_size > max_input_size
	msg := sprintf("Input exceeds %d bytes", [max_input_size])
}

default decision = "allow"

decision = "block" {
	count(reasons) > 0
}

result = {"decision": decision, "reasons": reasons}
`
