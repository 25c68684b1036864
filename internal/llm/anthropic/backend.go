package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Rrens/pagemind/internal/llm"
)

// Backend implements llm.Backend for the Anthropic messages API
type Backend struct {
	apiKey       string
	defaultModel string
	client       *http.Client
	baseURL      string
}

// NewBackend creates a new Anthropic backend
func NewBackend(apiKey, defaultModel string) *Backend {
	if defaultModel == "" {
		defaultModel = "claude-3-haiku-20240307"
	}
	return &Backend{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		baseURL:      "https://api.anthropic.com/v1",
	}
}

func (b *Backend) Name() string {
	return "anthropic"
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

func (b *Backend) Params(ctx context.Context) (*llm.Params, error) {
	return &llm.Params{DefaultTemperature: 1.0, MaxTemperature: 1.0, DefaultTopK: 40}, nil
}

func (b *Backend) CreateSession(ctx context.Context, opts llm.SessionOptions) (llm.Session, error) {
	return &session{backend: b, model: b.defaultModel, temperature: opts.Temperature, topK: opts.TopK}, nil
}

// SetBaseURL overrides the API endpoint.
func (b *Backend) SetBaseURL(baseURL string) {
	b.baseURL = baseURL
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopK        int       `json:"top_k,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type session struct {
	backend     *Backend
	model       string
	temperature float64
	topK        int
}

func (s *session) Prompt(ctx context.Context, text string) (string, error) {
	b := s.backend

	body, err := json.Marshal(messagesRequest{
		Model:       s.model,
		MaxTokens:   2048,
		Temperature: s.temperature,
		TopK:        s.topK,
		Messages:    []message{{Role: "user", Content: text}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic returned status %d", resp.StatusCode)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var sb strings.Builder
	for _, c := range out.Content {
		if c.Type == "" || c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no response from Anthropic")
	}
	return sb.String(), nil
}

func (s *session) Destroy() {}
