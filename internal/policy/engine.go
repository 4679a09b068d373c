package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sovereign-rag/gateway/internal/expr"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// Rule is one ordered entry of an in-process policy rule set. Condition is
// a CEL expression evaluated against {"input": <PolicyInput as a map>};
// the first rule whose condition evaluates true determines the decision.
type Rule struct {
	Name                 string
	Condition            string
	Allow                bool
	DenyReason           string
	Transforms           []gwtypes.Transform
	ProviderConstraints  *gwtypes.ProviderConstraints
	ConnectorConstraints *gwtypes.ConnectorConstraints
	MaxTokensOverride    *int
}

// RuleEngine evaluates an ordered list of Rules in-process, without a
// network hop, first match wins.
type RuleEngine struct {
	env        *expr.Environment
	rules      []Rule
	programs   []expr.Program
	policyHash string
	defaultAllow bool
}

// NewRuleEngine compiles every rule's condition up front so evaluation never
// pays compilation cost per request.
func NewRuleEngine(rules []Rule, policyHash string, defaultAllow bool) (*RuleEngine, error) {
	env, err := expr.NewPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy: build cel environment: %w", err)
	}
	programs := make([]expr.Program, len(rules))
	for i, rule := range rules {
		prog, err := env.Compile(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", rule.Name, err)
		}
		programs[i] = prog
	}
	return &RuleEngine{env: env, rules: rules, programs: programs, policyHash: policyHash, defaultAllow: defaultAllow}, nil
}

// Evaluate runs each rule's condition in order and returns the decision of
// the first match. No match falls back to the engine's configured default.
func (e *RuleEngine) Evaluate(_ context.Context, input gwtypes.PolicyInput) (gwtypes.PolicyDecision, error) {
	vars := map[string]any{"input": inputToMap(input)}

	for i, rule := range e.rules {
		matched, err := e.programs[i].EvalBool(vars)
		if err != nil {
			return gwtypes.PolicyDecision{}, fmt.Errorf("policy: evaluate rule %q: %w", rule.Name, err)
		}
		if !matched {
			continue
		}
		return gwtypes.PolicyDecision{
			DecisionID:           uuid.NewString(),
			Allow:                rule.Allow,
			DenyReason:           rule.DenyReason,
			PolicyHash:           e.policyHash,
			EvaluatedAt:          time.Now().UTC(),
			Transforms:           rule.Transforms,
			ProviderConstraints:  rule.ProviderConstraints,
			ConnectorConstraints: rule.ConnectorConstraints,
			MaxTokensOverride:    rule.MaxTokensOverride,
		}, nil
	}

	return gwtypes.PolicyDecision{
		DecisionID:  uuid.NewString(),
		Allow:       e.defaultAllow,
		PolicyHash:  e.policyHash,
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

func inputToMap(input gwtypes.PolicyInput) map[string]any {
	metadata := make(map[string]any, len(input.RequestMetadata))
	for k, v := range input.RequestMetadata {
		metadata[k] = v
	}
	targets := make([]any, len(input.ConnectorTargets))
	for i, t := range input.ConnectorTargets {
		targets[i] = t
	}
	return map[string]any{
		"tenant_id":         input.TenantID,
		"user_id":           input.UserID,
		"endpoint":          input.Endpoint,
		"requested_model":   input.RequestedModel,
		"classification":    string(input.Classification),
		"estimated_tokens":  input.EstimatedTokens,
		"connector_targets": targets,
		"request_metadata":  metadata,
	}
}
