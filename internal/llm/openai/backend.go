package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rrens/pagemind/internal/llm"
)

// Backend implements llm.Backend for OpenAI-compatible chat completion APIs.
// It only returns complete responses.
type Backend struct {
	name         string
	apiKey       string
	defaultModel string
	client       *http.Client
	baseURL      string
}

// NewBackend creates a new OpenAI backend
func NewBackend(apiKey, defaultModel string) *Backend {
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return NewCompatibleBackend("openai", "https://api.openai.com/v1", apiKey, defaultModel)
}

// NewCompatibleBackend creates a backend for any service speaking the
// chat/completions protocol.
func NewCompatibleBackend(name, baseURL, apiKey, defaultModel string) *Backend {
	return &Backend{
		name:         name,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		baseURL:      baseURL,
	}
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) Mode() llm.Mode {
	return llm.ModeBatch
}

func (b *Backend) ChunkMode() llm.ChunkMode {
	return llm.ChunksDelta
}

// IsConfigured checks if backend has valid credentials
func (b *Backend) IsConfigured() bool {
	return b.apiKey != ""
}

func (b *Backend) Availability(ctx context.Context) (llm.Availability, error) {
	if !b.IsConfigured() {
		return llm.Unavailable, nil
	}
	return llm.Available, nil
}

// Params returns the API's documented sampling defaults. The API has no
// top-k control, so DefaultTopK is left unset.
func (b *Backend) Params(ctx context.Context) (*llm.Params, error) {
	return &llm.Params{DefaultTemperature: 1.0, MaxTemperature: 2.0}, nil
}

func (b *Backend) CreateSession(ctx context.Context, opts llm.SessionOptions) (llm.Session, error) {
	return &session{backend: b, model: b.defaultModel, temperature: opts.Temperature}, nil
}

// SetBaseURL overrides the API endpoint.
func (b *Backend) SetBaseURL(baseURL string) {
	b.baseURL = baseURL
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type session struct {
	backend     *Backend
	model       string
	temperature float64
}

func (s *session) Prompt(ctx context.Context, text string) (string, error) {
	b := s.backend

	body, err := json.Marshal(chatRequest{
		Model:       s.model,
		Messages:    []chatMessage{{Role: "user", Content: text}},
		Temperature: s.temperature,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", b.name, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from %s", b.name)
	}

	return chatResp.Choices[0].Message.Content, nil
}

func (s *session) Destroy() {}
