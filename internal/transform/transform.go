// Package transform applies a Policy Decision's ordered transforms to a deep
// copy of an inbound Chat Request; the original is never mutated.
package transform

import (
	"fmt"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/templates"
)

// Context is the data made available to a prepend_system_guardrail
// template's args["text"], mirroring the request fields a guardrail author
// would plausibly need.
type Context struct {
	TenantID       string
	UserID         string
	Endpoint       string
	Classification string
	RequestedModel string
}

func (c Context) asMap() map[string]any {
	return map[string]any{
		"tenant_id":       c.TenantID,
		"user_id":         c.UserID,
		"endpoint":        c.Endpoint,
		"classification":  c.Classification,
		"requested_model": c.RequestedModel,
	}
}

// Applier renders prepend_system_guardrail templates through the sandboxed
// renderer and applies every transform type in order.
type Applier struct {
	renderer *templates.Renderer
}

// NewApplier constructs an Applier bound to a sandboxed template renderer.
func NewApplier(renderer *templates.Renderer) *Applier {
	return &Applier{renderer: renderer}
}

// Apply runs every transform over a deep copy of req in order, returning the
// mutated copy. The original request is never modified.
func (a *Applier) Apply(req *gwtypes.ChatRequest, transforms []gwtypes.Transform, ctx Context) (*gwtypes.ChatRequest, error) {
	out := req.Clone()
	for _, t := range transforms {
		var err error
		switch t.Type {
		case gwtypes.TransformPrependSystemGuardrail:
			err = a.prependSystemGuardrail(out, t, ctx)
		case gwtypes.TransformOverrideModel:
			err = overrideModel(out, t)
		case gwtypes.TransformSetMaxTokens:
			err = setMaxTokens(out, t)
		default:
			err = fmt.Errorf("transform: unknown transform type %q", t.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *Applier) prependSystemGuardrail(req *gwtypes.ChatRequest, t gwtypes.Transform, ctx Context) error {
	text, _ := t.Args["text"].(string)
	if text == "" {
		return fmt.Errorf("transform: prepend_system_guardrail requires a non-empty args.text")
	}

	rendered := text
	if a.renderer != nil {
		tmpl, err := a.renderer.CompileInline("guardrail", text)
		if err != nil {
			return fmt.Errorf("transform: compile guardrail template: %w", err)
		}
		if tmpl != nil {
			rendered, err = tmpl.Render(ctx.asMap())
			if err != nil {
				return fmt.Errorf("transform: render guardrail template: %w", err)
			}
		}
	}

	guardrail := gwtypes.Message{Role: gwtypes.RoleSystem, Content: rendered}
	req.Messages = append([]gwtypes.Message{guardrail}, req.Messages...)
	return nil
}

func overrideModel(req *gwtypes.ChatRequest, t gwtypes.Transform) error {
	model, ok := t.Args["model"].(string)
	if !ok || model == "" {
		return fmt.Errorf("transform: override_model requires a non-empty args.model")
	}
	req.Model = model
	return nil
}

func setMaxTokens(req *gwtypes.ChatRequest, t gwtypes.Transform) error {
	raw, ok := t.Args["max_tokens"]
	if !ok {
		return fmt.Errorf("transform: set_max_tokens requires args.max_tokens")
	}
	tokens, ok := toInt(raw)
	if !ok || tokens <= 0 {
		return fmt.Errorf("transform: set_max_tokens requires a positive integer, got %v", raw)
	}
	req.MaxTokens = tokens
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
