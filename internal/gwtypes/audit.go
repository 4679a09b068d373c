package gwtypes

import "time"

// PolicyDecisionKind enumerates the audit event's policy_decision field.
type PolicyDecisionKind string

const (
	PolicyDecisionAllow     PolicyDecisionKind = "allow"
	PolicyDecisionTransform PolicyDecisionKind = "transform"
	PolicyDecisionObserve   PolicyDecisionKind = "observe"
	PolicyDecisionDeny      PolicyDecisionKind = "deny"
)

// BudgetSnapshot is the audit event's optional budget summary, mirroring
// budget.Summary but kept in gwtypes so audit has no import-cycle on budget.
type BudgetSnapshot struct {
	TenantID         string  `json:"tenant_id"`
	WindowSeconds     int     `json:"window_seconds"`
	Ceiling           int     `json:"ceiling"`
	Used              int     `json:"used"`
	Remaining         int     `json:"remaining"`
	UtilizationPct    float64 `json:"utilization_pct"`
	MidStreamTerminated bool  `json:"mid_stream_terminated,omitempty"`
	Estimated         bool    `json:"estimated,omitempty"`
}

// AuditEvent is the schema-validated record appended to the hash-chained
// audit log, one per accepted request.
type AuditEvent struct {
	EventID             string             `json:"event_id"`
	RequestID           string             `json:"request_id"`
	TenantID            string             `json:"tenant_id"`
	UserID              string             `json:"user_id"`
	Endpoint            string             `json:"endpoint"`
	RequestedModel      string             `json:"requested_model"`
	SelectedModel       string             `json:"selected_model,omitempty"`
	Provider            string             `json:"provider"`
	PolicyDecision      PolicyDecisionKind `json:"policy_decision"`
	PolicyDecisionID    string             `json:"policy_decision_id,omitempty"`
	PolicyEvaluatedAt   time.Time          `json:"policy_evaluated_at"`
	PolicyAllow         bool               `json:"policy_allow"`
	PolicyMode          string             `json:"policy_mode"`
	TransformsApplied   []string           `json:"transforms_applied,omitempty"`
	RedactionCount      int                `json:"redaction_count"`
	InputRedactionCount int                `json:"input_redaction_count"`
	OutputRedactionCount int               `json:"output_redaction_count"`
	RequestPayloadHash  string             `json:"request_payload_hash"`
	RedactedPayloadHash string             `json:"redacted_payload_hash,omitempty"`
	ProviderRequestHash string             `json:"provider_request_hash,omitempty"`
	ProviderResponseHash string            `json:"provider_response_hash,omitempty"`
	RetrievalCitations  []Citation         `json:"retrieval_citations,omitempty"`
	Streaming           bool               `json:"streaming"`
	StreamError         string             `json:"stream_error,omitempty"`
	TokensIn            int                `json:"tokens_in"`
	TokensOut           int                `json:"tokens_out"`
	CostUSD             float64            `json:"cost_usd"`
	ProviderAttempts    int                `json:"provider_attempts"`
	FallbackChain       []string           `json:"fallback_chain,omitempty"`
	TraceID             string             `json:"trace_id,omitempty"`
	Budget              *BudgetSnapshot    `json:"budget,omitempty"`
	WebhookEvents       []string           `json:"webhook_events,omitempty"`
	DenyReason          string             `json:"deny_reason,omitempty"`

	PrevHash   string    `json:"prev_hash"`
	PayloadHash string   `json:"payload_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
