package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/llm"
)

// The Gemini API accepts temperatures in [0, 2].
const maxTemperature = 2.0

type Backend struct {
	apiKey string
	model  string
	opts   []option.ClientOption
}

func NewBackend(cfg config.GeminiConfig, opts ...option.ClientOption) *Backend {
	return &Backend{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		opts:   opts,
	}
}

func (b *Backend) Name() string {
	return "gemini"
}

func (b *Backend) Mode() llm.Mode {
	return llm.ModeStreaming
}

// ChunkMode is delta: each streamed response carries only new parts.
func (b *Backend) ChunkMode() llm.ChunkMode {
	return llm.ChunksDelta
}

func (b *Backend) IsConfigured() bool {
	return b.apiKey != ""
}

func (b *Backend) DefaultModel() string {
	if b.model != "" {
		return b.model
	}
	return "gemini-1.5-flash"
}

func (b *Backend) newClient(ctx context.Context) (*genai.Client, error) {
	if !b.IsConfigured() {
		return nil, fmt.Errorf("gemini backend is not configured (missing API key)")
	}
	opts := append([]option.ClientOption{option.WithAPIKey(b.apiKey)}, b.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

func (b *Backend) info(ctx context.Context) (*genai.ModelInfo, error) {
	client, err := b.newClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	info, err := client.GenerativeModel(b.DefaultModel()).Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gemini model info: %w", err)
	}
	return info, nil
}

// Availability reports Available when the model exists and supports
// content generation.
func (b *Backend) Availability(ctx context.Context) (llm.Availability, error) {
	if !b.IsConfigured() {
		return llm.Unavailable, nil
	}
	info, err := b.info(ctx)
	if err != nil {
		return llm.Unavailable, err
	}
	for _, m := range info.SupportedGenerationMethods {
		if m == "generateContent" {
			return llm.Available, nil
		}
	}
	return llm.Unavailable, nil
}

func (b *Backend) Params(ctx context.Context) (*llm.Params, error) {
	info, err := b.info(ctx)
	if err != nil {
		return nil, err
	}
	return &llm.Params{
		DefaultTemperature: float64(info.Temperature),
		MaxTemperature:     maxTemperature,
		DefaultTopK:        float64(info.TopK),
	}, nil
}

func (b *Backend) CreateSession(ctx context.Context, opts llm.SessionOptions) (llm.Session, error) {
	client, err := b.newClient(ctx)
	if err != nil {
		return nil, err
	}
	model := client.GenerativeModel(b.DefaultModel())
	model.SetTemperature(float32(opts.Temperature))
	if opts.TopK > 0 {
		model.SetTopK(int32(opts.TopK))
	}
	return &session{client: client, model: model}, nil
}

// SummarizerAvailability mirrors Availability; summaries use the same model.
func (b *Backend) SummarizerAvailability(ctx context.Context) (llm.Availability, error) {
	return b.Availability(ctx)
}

func (b *Backend) CreateSummarizer(ctx context.Context, opts llm.SummarizerOptions) (llm.Summarizer, error) {
	client, err := b.newClient(ctx)
	if err != nil {
		return nil, err
	}
	model := client.GenerativeModel(b.DefaultModel())
	model.SystemInstruction = genai.NewUserContent(genai.Text(llm.SummarizerInstruction(opts)))
	return &session{client: client, model: model}, nil
}

type session struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func (s *session) Prompt(ctx context.Context, text string) (string, error) {
	resp, err := s.model.GenerateContent(ctx, genai.Text(text))
	if err != nil {
		return "", fmt.Errorf("gemini generation error: %w", err)
	}
	out := responseText(resp)
	if out == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return out, nil
}

// Summarize lets a session double as the summarizer.
func (s *session) Summarize(ctx context.Context, text string) (string, error) {
	return s.Prompt(ctx, text)
}

func (s *session) PromptStreaming(ctx context.Context, text string) (llm.TextStream, error) {
	return &stream{iter: s.model.GenerateContentStream(ctx, genai.Text(text))}, nil
}

func (s *session) Destroy() {
	s.client.Close()
}

type stream struct {
	iter *genai.GenerateContentResponseIterator
}

func (st *stream) Recv() (string, error) {
	resp, err := st.iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", io.EOF
	}
	if err != nil {
		return "", fmt.Errorf("gemini stream error: %w", err)
	}
	return responseText(resp), nil
}

func (st *stream) Close() error {
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}
