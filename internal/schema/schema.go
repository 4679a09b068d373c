// Package schema loads the four versioned JSON Schemas the gateway requires
// at startup (policy-decision, audit-event, citations-extension,
// evidence-bundle) and exposes validation against them. A schema that fails
// to parse aborts startup; serving without contract validation is not an
// option.
package schema

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.schema.json
var embedded embed.FS

// Name enumerates the four schemas the core depends on.
type Name string

const (
	PolicyDecision     Name = "policy-decision"
	AuditEvent         Name = "audit-event"
	CitationsExtension Name = "citations-extension"
	EvidenceBundle     Name = "evidence-bundle"
)

var files = map[Name]string{
	PolicyDecision:     "schemas/policy-decision.schema.json",
	AuditEvent:         "schemas/audit-event.schema.json",
	CitationsExtension: "schemas/citations-extension.schema.json",
	EvidenceBundle:     "schemas/evidence-bundle.schema.json",
}

// Registry holds the compiled schemas used to validate policy decisions,
// audit events, citation extensions, and evidence bundles.
type Registry struct {
	schemas map[Name]*gojsonschema.Schema
}

// Load compiles all four schemas from the embedded filesystem. It returns an
// error naming the first schema that fails to load, so readyz can report
// which dependency is unhealthy.
func Load() (*Registry, error) {
	reg := &Registry{schemas: make(map[Name]*gojsonschema.Schema, len(files))}
	for name, path := range files {
		raw, err := embedded.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", name, err)
		}
		loader := gojsonschema.NewBytesLoader(raw)
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", name, err)
		}
		reg.schemas[name] = compiled
	}
	return reg, nil
}

// ValidationError summarizes a failed schema validation for logging.
type ValidationError struct {
	Schema Name
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: %s validation failed: %v", e.Schema, e.Errors)
}

// Validate checks doc (any JSON-marshalable value) against the named schema.
func (r *Registry) Validate(name Name, doc any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("schema: %s not loaded", name)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema: validate %s: %w", name, err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return &ValidationError{Schema: name, Errors: errs}
	}
	return nil
}

// Healthy reports whether every required schema is loaded, used by /readyz.
func (r *Registry) Healthy() bool {
	return len(r.schemas) == len(files)
}
