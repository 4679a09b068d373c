package expr

import "testing"

func policyActivation() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"tenant_id":       "tenant-a",
			"classification":  "phi",
			"requested_model": "gpt-4o-mini",
			"request_metadata": map[string]any{
				"request_id": "req-1",
			},
		},
	}
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		t.Fatalf("new environment: %v", err)
	}
	if _, err := env.Compile(`input.tenant_id`); err == nil {
		t.Fatalf("expected non-bool expression to be rejected")
	}
	if _, err := env.Compile(` `); err == nil {
		t.Fatalf("expected empty expression to be rejected")
	}
}

func TestEvalBoolAgainstPolicyInput(t *testing.T) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		t.Fatalf("new environment: %v", err)
	}

	program, err := env.Compile(`input.classification == "phi" && input.tenant_id == "tenant-a"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	matched, err := program.EvalBool(policyActivation())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !matched {
		t.Fatalf("expected condition to match")
	}
}

func TestLookupMapValue(t *testing.T) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		t.Fatalf("new environment: %v", err)
	}

	program, err := env.Compile(`lookup(input.request_metadata, "request_id") == "req-1"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	matched, err := program.EvalBool(policyActivation())
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !matched {
		t.Fatalf("expected lookup to match existing key")
	}

	missingProgram, err := env.Compile(`lookup(input.request_metadata, "missing") == "req-1"`)
	if err != nil {
		t.Fatalf("compile missing: %v", err)
	}
	matched, err = missingProgram.EvalBool(policyActivation())
	if err != nil {
		t.Fatalf("eval missing: %v", err)
	}
	if matched {
		t.Fatalf("expected lookup to return null for missing key")
	}
}
