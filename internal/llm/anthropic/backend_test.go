package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/pagemind/internal/llm"
	"github.com/Rrens/pagemind/internal/llm/anthropic"
)

func TestBackend_Prompt(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "Hello"}, {"type": "text", "text": " world"}},
		})
	}))
	defer srv.Close()

	b := anthropic.NewBackend("key", "")
	b.SetBaseURL(srv.URL)

	sess, err := b.CreateSession(context.Background(), llm.SessionOptions{Temperature: 0.9, TopK: 5})
	require.NoError(t, err)

	out, err := sess.Prompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)
	assert.Equal(t, float64(5), got["top_k"])
	assert.Equal(t, 0.9, got["temperature"])
}

func TestBackend_Params(t *testing.T) {
	params, err := anthropic.NewBackend("key", "").Params(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, params.MaxTemperature)
	assert.Equal(t, 40.0, params.DefaultTopK)
}
