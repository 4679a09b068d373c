package redaction

import (
	"testing"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/stretchr/testify/require"
)

func TestRedactTextMasksKnownCategories(t *testing.T) {
	e := New()
	r := e.RedactText("patient dob 01/01/1990, ssn 123-45-6789, email jane@example.com")
	require.Contains(t, r.Text, "[DOB_REDACTED]")
	require.Contains(t, r.Text, "[SSN_REDACTED]")
	require.Contains(t, r.Text, "[EMAIL_REDACTED]")
	require.GreaterOrEqual(t, r.Count, 3)
	require.Contains(t, r.MatchedCategories, CategoryPHI)
	require.Contains(t, r.MatchedCategories, CategoryPII)
}

func TestRedactTextIsIdempotent(t *testing.T) {
	e := New()
	input := "call 555-123-4567 or email jane@example.com about DOB 01/01/1990"
	once := e.RedactText(input)
	twice := e.RedactText(once.Text)
	require.Equal(t, once.Text, twice.Text)
}

func TestRedactMessagesPreservesRoleOrder(t *testing.T) {
	e := New()
	messages := []gwtypes.Message{
		{Role: gwtypes.RoleSystem, Content: "be terse"},
		{Role: gwtypes.RoleUser, Content: "my ssn is 123-45-6789"},
	}
	result := e.RedactMessages(messages)
	require.Equal(t, gwtypes.RoleSystem, result.Messages[0].Role)
	require.Equal(t, gwtypes.RoleUser, result.Messages[1].Role)
	require.Contains(t, result.Messages[1].Content, "[SSN_REDACTED]")
	require.Equal(t, 1, result.Count)
}
