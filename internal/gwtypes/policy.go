package gwtypes

import "time"

// TransformType enumerates the ordered transforms a Policy Decision may
// carry.
type TransformType string

const (
	TransformPrependSystemGuardrail TransformType = "prepend_system_guardrail"
	TransformOverrideModel          TransformType = "override_model"
	TransformSetMaxTokens           TransformType = "set_max_tokens"
)

// Transform is one entry of a Policy Decision's ordered transform list.
type Transform struct {
	Type TransformType  `json:"type"`
	Args map[string]any `json:"args,omitempty"`
}

// ProviderConstraints narrows which providers/models a decision permits.
type ProviderConstraints struct {
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	AllowedModels    []string `json:"allowed_models,omitempty"`
}

// ConnectorConstraints narrows which retrieval connectors a decision
// permits.
type ConnectorConstraints struct {
	AllowedConnectors []string `json:"allowed_connectors,omitempty"`
}

// PolicyMode controls what happens when the policy engine is unavailable or
// returns a contract violation.
type PolicyMode string

const (
	PolicyModeEnforce PolicyMode = "enforce"
	PolicyModeObserve PolicyMode = "observe"
)

// PolicyDecision is the structured verdict returned by the policy engine for
// a single request.
type PolicyDecision struct {
	DecisionID          string                `json:"decision_id"`
	Allow               bool                  `json:"allow"`
	DenyReason          string                `json:"deny_reason,omitempty"`
	PolicyHash          string                `json:"policy_hash"`
	EvaluatedAt         time.Time             `json:"evaluated_at"`
	Transforms          []Transform           `json:"transforms,omitempty"`
	ProviderConstraints *ProviderConstraints  `json:"provider_constraints,omitempty"`
	ConnectorConstraints *ConnectorConstraints `json:"connector_constraints,omitempty"`
	MaxTokensOverride   *int                  `json:"max_tokens_override,omitempty"`

	// Label carries the "observe" marker when a policy outage was
	// synthesized into an allow decision rather than genuinely evaluated.
	Label string `json:"label,omitempty"`
}

// PolicyInput is the request payload sent to (or evaluated in-process
// against) the policy engine.
type PolicyInput struct {
	TenantID          string            `json:"tenant_id"`
	UserID            string            `json:"user_id"`
	Endpoint          string            `json:"endpoint"`
	RequestedModel    string            `json:"requested_model"`
	Classification    Classification    `json:"classification"`
	EstimatedTokens   int               `json:"estimated_tokens"`
	ConnectorTargets  []string          `json:"connector_targets,omitempty"`
	RequestMetadata   map[string]string `json:"request_metadata,omitempty"`
}
