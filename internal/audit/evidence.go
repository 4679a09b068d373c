package audit

import (
	"fmt"
	"time"

	"github.com/sovereign-rag/gateway/internal/schema"
)

// EvidenceBundle is the exportable snapshot of a verified audit log, shaped
// to validate against the evidence-bundle schema.
type EvidenceBundle struct {
	GeneratedAt     time.Time `json:"generated_at"`
	LineCount       int       `json:"line_count"`
	ChainValid      bool      `json:"chain_valid"`
	TruncatedTail   bool      `json:"truncated_tail,omitempty"`
	FirstBrokenLine int       `json:"first_broken_line,omitempty"`
	Events          []any     `json:"events"`
}

// BuildEvidenceBundle replays path and packages the result as an
// EvidenceBundle, validated against the evidence-bundle schema before
// returning.
func BuildEvidenceBundle(path string, schemas *schema.Registry) (EvidenceBundle, error) {
	result, err := NewVerifier().Verify(path)
	if err != nil {
		return EvidenceBundle{}, err
	}
	events := make([]any, len(result.Events))
	for i, e := range result.Events {
		events[i] = e
	}
	bundle := EvidenceBundle{
		GeneratedAt:     time.Now().UTC(),
		LineCount:       result.LineCount,
		ChainValid:      result.Valid,
		TruncatedTail:   result.TruncatedTail,
		FirstBrokenLine: result.FirstBrokenLine,
		Events:          events,
	}
	if schemas != nil {
		if err := schemas.Validate(schema.EvidenceBundle, bundle); err != nil {
			return EvidenceBundle{}, fmt.Errorf("audit: evidence bundle failed schema validation: %w", err)
		}
	}
	return bundle, nil
}
