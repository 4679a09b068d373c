package stub

import (
	"context"
	"testing"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/provider"
	"github.com/stretchr/testify/require"
)

func TestChatIsDeterministic(t *testing.T) {
	p := New("stub")
	req := provider.ChatRequest{
		Model:    "stub-model",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "what is the capital of France"}},
	}

	first, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Content, second.Content)
	require.Equal(t, "stop", first.FinishReason)
}

func TestChatStreamEndsWithDoneChunk(t *testing.T) {
	p := New("stub")
	req := provider.ChatRequest{
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "stream this please"}},
	}

	ch, err := p.ChatStream(context.Background(), req)
	require.NoError(t, err)

	var last provider.StreamChunk
	count := 0
	for chunk := range ch {
		last = chunk
		count++
	}
	require.True(t, last.Done)
	require.Greater(t, count, 1)
}

func TestEmbeddingsReturnsOneVectorPerInput(t *testing.T) {
	p := New("stub")
	res, err := p.Embeddings(context.Background(), provider.EmbeddingsRequest{Inputs: []string{"a", "b", "c"}})
	require.NoError(t, err)
	require.Len(t, res.Vectors, 3)
	require.NotEqual(t, res.Vectors[0], res.Vectors[1])
}
