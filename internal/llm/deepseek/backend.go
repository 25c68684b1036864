package deepseek

import (
	"github.com/Rrens/pagemind/internal/llm/openai"
)

const baseURL = "https://api.deepseek.com/v1"

// NewBackend creates a DeepSeek backend. DeepSeek speaks the OpenAI chat
// completions protocol.
func NewBackend(apiKey, defaultModel string) *openai.Backend {
	if defaultModel == "" {
		defaultModel = "deepseek-chat"
	}
	return openai.NewCompatibleBackend("deepseek", baseURL, apiKey, defaultModel)
}
