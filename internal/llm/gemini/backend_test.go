package gemini

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/llm"
)

func TestBackend_Capabilities(t *testing.T) {
	b := NewBackend(config.GeminiConfig{APIKey: "key"})

	assert.Equal(t, "gemini", b.Name())
	assert.Equal(t, llm.ModeStreaming, b.Mode())
	assert.Equal(t, llm.ChunksDelta, b.ChunkMode())
	assert.Equal(t, "gemini-1.5-flash", b.DefaultModel())
	assert.True(t, b.IsConfigured())
}

func TestBackend_Unconfigured(t *testing.T) {
	b := NewBackend(config.GeminiConfig{Model: "gemini-2.0-flash"})
	assert.False(t, b.IsConfigured())
	assert.Equal(t, "gemini-2.0-flash", b.DefaultModel())

	avail, err := b.Availability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, llm.Unavailable, avail)

	_, err = b.CreateSession(context.Background(), llm.SessionOptions{})
	assert.Error(t, err)
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("Hel"), genai.Text("lo")}},
		}},
	}
	assert.Equal(t, "Hello", responseText(resp))
	assert.Equal(t, "", responseText(&genai.GenerateContentResponse{}))
	assert.Equal(t, "", responseText(nil))
}
