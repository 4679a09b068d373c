package transform

import (
	"testing"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/templates"
	"github.com/stretchr/testify/require"
)

func newTestApplier() *Applier {
	return NewApplier(templates.NewRenderer(nil))
}

func baseRequest() *gwtypes.ChatRequest {
	return &gwtypes.ChatRequest{
		Model:    "gpt-base",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hello"}},
	}
}

func TestPrependSystemGuardrailRendersTemplate(t *testing.T) {
	applier := newTestApplier()
	req := baseRequest()

	out, err := applier.Apply(req, []gwtypes.Transform{
		{Type: gwtypes.TransformPrependSystemGuardrail, Args: map[string]any{"text": "Tenant: {{ .tenant_id }}"}},
	}, Context{TenantID: "tenant-a"})

	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	require.Equal(t, gwtypes.RoleSystem, out.Messages[0].Role)
	require.Equal(t, "Tenant: tenant-a", out.Messages[0].Content)
	require.Equal(t, "hello", req.Messages[0].Content)
	require.Len(t, req.Messages, 1)
}

func TestOverrideModel(t *testing.T) {
	applier := newTestApplier()
	out, err := applier.Apply(baseRequest(), []gwtypes.Transform{
		{Type: gwtypes.TransformOverrideModel, Args: map[string]any{"model": "gpt-override"}},
	}, Context{})
	require.NoError(t, err)
	require.Equal(t, "gpt-override", out.Model)
}

func TestSetMaxTokens(t *testing.T) {
	applier := newTestApplier()
	out, err := applier.Apply(baseRequest(), []gwtypes.Transform{
		{Type: gwtypes.TransformSetMaxTokens, Args: map[string]any{"max_tokens": 512}},
	}, Context{})
	require.NoError(t, err)
	require.Equal(t, 512, out.MaxTokens)
}

func TestSetMaxTokensRejectsNonPositive(t *testing.T) {
	applier := newTestApplier()
	_, err := applier.Apply(baseRequest(), []gwtypes.Transform{
		{Type: gwtypes.TransformSetMaxTokens, Args: map[string]any{"max_tokens": 0}},
	}, Context{})
	require.Error(t, err)
}

func TestTransformsApplyInOrder(t *testing.T) {
	applier := newTestApplier()
	out, err := applier.Apply(baseRequest(), []gwtypes.Transform{
		{Type: gwtypes.TransformOverrideModel, Args: map[string]any{"model": "gpt-a"}},
		{Type: gwtypes.TransformOverrideModel, Args: map[string]any{"model": "gpt-b"}},
	}, Context{})
	require.NoError(t, err)
	require.Equal(t, "gpt-b", out.Model)
}
