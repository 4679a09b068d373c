// Package policy implements the two ways a policy verdict is obtained: an
// HTTP client against an external policy service, and an in-process CEL
// rule engine, both returning the same PolicyDecision shape.
package policy

import (
	"context"
	"fmt"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// Engine evaluates a PolicyInput into a PolicyDecision, either by calling an
// external service or by evaluating rules in-process.
type Engine interface {
	Evaluate(ctx context.Context, input gwtypes.PolicyInput) (gwtypes.PolicyDecision, error)
}

// TimeoutError indicates the policy call did not complete within its
// configured deadline.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("policy: timed out: %v", e.Cause) }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ContractInvalidError indicates the policy response did not conform to
// policy-decision.schema.json.
type ContractInvalidError struct {
	Cause error
}

func (e *ContractInvalidError) Error() string {
	return fmt.Sprintf("policy: response violates contract: %v", e.Cause)
}
func (e *ContractInvalidError) Unwrap() error { return e.Cause }

// Resolve decides what a policy failure means under the configured mode: in
// enforce mode the error propagates; in observe mode it is converted into a
// synthesized allow decision carrying the original failure as deny_reason
// and labeled "observe".
func Resolve(mode gwtypes.PolicyMode, err error) (gwtypes.PolicyDecision, error) {
	if mode != gwtypes.PolicyModeObserve {
		return gwtypes.PolicyDecision{}, err
	}
	return gwtypes.PolicyDecision{
		Allow:      true,
		DenyReason: err.Error(),
		Label:      "observe",
	}, nil
}
