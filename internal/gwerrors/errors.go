// Package gwerrors implements the gateway's typed error taxonomy: every
// stage failure is an *AppError carrying the HTTP status and error-envelope
// code/type the server renders.
package gwerrors

import (
	"encoding/json"
	"fmt"
)

// Kind groups AppError values by the subsystem that produced them; it is
// rendered as the envelope's "type" field.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindRetrieval  Kind = "retrieval"
	KindProvider   Kind = "provider"
	KindAudit      Kind = "audit"
	KindTracing    Kind = "tracing"
	KindInternal   Kind = "internal"
)

// AppError is the single error type every pipeline stage returns on
// failure. It carries everything the server needs to render the
// {error:{code,message,type,request_id}} envelope.
type AppError struct {
	Kind    Kind
	Code    string
	Status  int
	Message string
	// Cause is retained for logs only; it is never rendered to the client.
	Cause error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(kind Kind, status int, code, message string) *AppError {
	return &AppError{Kind: kind, Status: status, Code: code, Message: message}
}

func Wrap(kind Kind, status int, code, message string, cause error) *AppError {
	return &AppError{Kind: kind, Status: status, Code: code, Message: message, Cause: cause}
}

// Envelope is the wire shape of every error response body.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the nested {code,message,type,request_id} object.
type EnvelopeBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// Render builds the JSON error envelope for requestID, omitting internal
// details (cause, stack) from the client-visible payload.
func (e *AppError) Render(requestID string) ([]byte, error) {
	return json.Marshal(Envelope{Error: EnvelopeBody{
		Code:      e.Code,
		Message:   e.Message,
		Type:      string(e.Kind),
		RequestID: requestID,
	}})
}

// Constructors for the error cases the pipeline and HTTP surface produce.

func AuthMissing() *AppError {
	return New(KindAuth, 401, "auth_missing", "missing bearer credentials")
}

func AuthInvalid() *AppError {
	return New(KindAuth, 401, "auth_invalid", "invalid bearer credentials")
}

func MissingRequiredHeaders(msg string) *AppError {
	return New(KindValidation, 422, "missing_required_headers", msg)
}

func RequestValidationFailed(msg string) *AppError {
	return New(KindValidation, 422, "request_validation_failed", msg)
}

func PolicyUnavailable(cause error) *AppError {
	return Wrap(KindPolicy, 503, "policy_unavailable", "policy engine unavailable", cause)
}

func PolicyContractInvalid(cause error) *AppError {
	return Wrap(KindPolicy, 503, "policy_contract_invalid", "policy response failed schema validation", cause)
}

func PolicyDenied(reason string) *AppError {
	return New(KindPolicy, 403, "policy_denied", reason)
}

func ModelForbidden(model string) *AppError {
	return New(KindPolicy, 403, "model_forbidden", fmt.Sprintf("model %q is not allowed by policy", model))
}

func ProviderForbidden(reason string) *AppError {
	return New(KindPolicy, 403, "provider_forbidden", reason)
}

func RetrievalForbidden(connector string) *AppError {
	return New(KindRetrieval, 403, "retrieval_forbidden", fmt.Sprintf("connector %q is not allowed by policy", connector))
}

func ConnectorNotFound(connector string) *AppError {
	return New(KindRetrieval, 422, "connector_not_found", fmt.Sprintf("connector %q is not registered", connector))
}

func RetrievalUnavailable(cause error) *AppError {
	return Wrap(KindRetrieval, 503, "retrieval_unavailable", "retrieval connector unavailable", cause)
}

func BudgetExceeded(reason string) *AppError {
	return New(KindPolicy, 429, "budget_exceeded", reason)
}

func BudgetBackendUnavailable(cause error) *AppError {
	return Wrap(KindPolicy, 503, "budget_backend_unavailable", "budget backend unavailable", cause)
}

func ProviderRateLimited(msg string) *AppError {
	return New(KindProvider, 429, "provider_rate_limited", msg)
}

func ProviderUpstreamError(msg string) *AppError {
	return New(KindProvider, 502, "provider_upstream_error", msg)
}

// ProviderUpstreamStatus mirrors ProviderUpstreamError but preserves the
// upstream's own 501/502/503 status on the envelope.
func ProviderUpstreamStatus(status int, msg string) *AppError {
	return New(KindProvider, status, "provider_upstream_error", msg)
}

func AuditWriteFailed(cause error) *AppError {
	return Wrap(KindAudit, 502, "audit_write_failed", "audit event failed schema validation", cause)
}

func TracingDisabled() *AppError {
	return New(KindTracing, 503, "tracing_disabled", "tracing is not enabled")
}

func TraceNotFound(requestID string) *AppError {
	return New(KindTracing, 404, "trace_not_found", fmt.Sprintf("no trace recorded for request %q", requestID))
}

func Internal(cause error) *AppError {
	return Wrap(KindInternal, 500, "internal_error", "internal error", cause)
}
