package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/llm"
)

const (
	defaultModel          = "llama3.2"
	defaultMaxTemperature = 2.0
)

// Backend implements llm.Backend for a local Ollama server
type Backend struct {
	host            string
	model           string
	summarizerModel string
	maxTemperature  float64
	autoPull        bool
	client          *http.Client
	pulling         atomic.Bool
}

// NewBackend creates a new Ollama backend
func NewBackend(cfg config.OllamaConfig) *Backend {
	model := cfg.DefaultModel
	if model == "" {
		model = defaultModel
	}
	summarizer := cfg.SummarizerModel
	if summarizer == "" {
		summarizer = model
	}
	maxTemp := cfg.MaxTemperature
	if maxTemp <= 0 {
		maxTemp = defaultMaxTemperature
	}
	return &Backend{
		host:            strings.TrimRight(cfg.Host, "/"),
		model:           model,
		summarizerModel: summarizer,
		maxTemperature:  maxTemp,
		autoPull:        cfg.AutoPull,
		// generations are bounded by their context, not a client timeout
		client: &http.Client{},
	}
}

func (b *Backend) Name() string {
	return "ollama"
}

func (b *Backend) Mode() llm.Mode {
	return llm.ModeStreaming
}

func (b *Backend) ChunkMode() llm.ChunkMode {
	return llm.ChunksDelta
}

func (b *Backend) IsConfigured() bool {
	return b.host != ""
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// Availability reports whether the configured model is installed locally.
func (b *Backend) Availability(ctx context.Context) (llm.Availability, error) {
	return b.availability(ctx, b.model)
}

func (b *Backend) availability(ctx context.Context, model string) (llm.Availability, error) {
	installed, err := b.installed(ctx, model)
	if err != nil {
		return llm.Unavailable, err
	}
	switch {
	case installed:
		return llm.Available, nil
	case b.pulling.Load():
		return llm.Downloading, nil
	case b.autoPull:
		return llm.Downloadable, nil
	default:
		return llm.Unavailable, nil
	}
}

func (b *Backend) installed(ctx context.Context, model string) (bool, error) {
	var tags tagsResponse
	if err := b.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return false, fmt.Errorf("failed to list ollama models: %w", err)
	}
	for _, m := range tags.Models {
		if sameModel(m.Name, model) || sameModel(m.Model, model) {
			return true, nil
		}
	}
	return false, nil
}

func sameModel(a, b string) bool {
	if !strings.Contains(a, ":") {
		a += ":latest"
	}
	if !strings.Contains(b, ":") {
		b += ":latest"
	}
	return a == b
}

type showResponse struct {
	Parameters string `json:"parameters"`
}

// Params reads the model's Modelfile parameters. Temperature and top_k fall
// back to Ollama's runtime defaults when the Modelfile does not set them.
func (b *Backend) Params(ctx context.Context) (*llm.Params, error) {
	var show showResponse
	if err := b.do(ctx, http.MethodPost, "/api/show", map[string]string{"model": b.model}, &show); err != nil {
		return nil, fmt.Errorf("failed to read model parameters: %w", err)
	}

	params := &llm.Params{
		DefaultTemperature: 0.8,
		MaxTemperature:     b.maxTemperature,
		DefaultTopK:        40,
	}
	for _, line := range strings.Split(show.Parameters, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "temperature":
			params.DefaultTemperature = v
		case "top_k":
			params.DefaultTopK = v
		}
	}
	return params, nil
}

// CreateSession pulls the model when it is missing, then returns a session.
func (b *Backend) CreateSession(ctx context.Context, opts llm.SessionOptions) (llm.Session, error) {
	if err := b.ensureModel(ctx, b.model, opts.Monitor); err != nil {
		return nil, err
	}
	return &session{
		backend: b,
		model:   b.model,
		options: map[string]any{
			"temperature": opts.Temperature,
			"top_k":       opts.TopK,
		},
	}, nil
}

func (b *Backend) ensureModel(ctx context.Context, model string, monitor llm.DownloadMonitor) error {
	installed, err := b.installed(ctx, model)
	if err != nil {
		return err
	}
	if installed {
		return nil
	}
	if !b.autoPull {
		return fmt.Errorf("model %s is not installed", model)
	}
	if !b.pulling.CompareAndSwap(false, true) {
		return llm.ErrDownloadInProgress
	}
	defer b.pulling.Store(false)

	log.Info().Str("model", model).Msg("Pulling ollama model")
	return b.pull(ctx, model, monitor)
}

type pullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	Error     string `json:"error"`
}

func (b *Backend) pull(ctx context.Context, model string, monitor llm.DownloadMonitor) error {
	resp, err := b.post(ctx, "/api/pull", map[string]any{"model": model, "stream": true})
	if err != nil {
		return fmt.Errorf("failed to pull model: %w", err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p pullProgress
		if err := dec.Decode(&p); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("ollama pull failed: %s", p.Error)
		}
		if monitor != nil && p.Total > 0 {
			monitor(p.Completed, p.Total)
		}
		if p.Status == "success" {
			return nil
		}
	}
}

// SummarizerAvailability reports on the model used for summaries.
func (b *Backend) SummarizerAvailability(ctx context.Context) (llm.Availability, error) {
	return b.availability(ctx, b.summarizerModel)
}

// CreateSummarizer returns a summarizer driven by a system instruction.
func (b *Backend) CreateSummarizer(ctx context.Context, opts llm.SummarizerOptions) (llm.Summarizer, error) {
	if err := b.ensureModel(ctx, b.summarizerModel, opts.Monitor); err != nil {
		return nil, err
	}
	return &summarizer{
		session: session{backend: b, model: b.summarizerModel},
		system:  llm.SummarizerInstruction(opts),
	}, nil
}

func (b *Backend) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func (b *Backend) do(ctx context.Context, method, path string, body, out any) error {
	var resp *http.Response
	var err error
	if method == http.MethodGet {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, b.host+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err = b.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return statusError(resp)
		}
	} else {
		resp, err = b.post(ctx, path, body)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error != "" {
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("ollama returned status %d", resp.StatusCode)
}

type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive *int           `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

type session struct {
	backend *Backend
	model   string
	options map[string]any
}

func (s *session) request(text, system string, stream bool) generateRequest {
	return generateRequest{
		Model:   s.model,
		Prompt:  text,
		System:  system,
		Stream:  stream,
		Options: s.options,
	}
}

func (s *session) Prompt(ctx context.Context, text string) (string, error) {
	return s.generate(ctx, text, "")
}

func (s *session) generate(ctx context.Context, text, system string) (string, error) {
	resp, err := s.backend.post(ctx, "/api/generate", s.request(text, system, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama generation error: %s", out.Error)
	}
	return out.Response, nil
}

// PromptStreaming starts a streamed generation. Chunks are deltas.
func (s *session) PromptStreaming(ctx context.Context, text string) (llm.TextStream, error) {
	resp, err := s.backend.post(ctx, "/api/generate", s.request(text, "", true))
	if err != nil {
		return nil, err
	}
	return &stream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

// Destroy asks the server to unload the model.
func (s *session) Destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zero := 0
	resp, err := s.backend.post(ctx, "/api/generate", generateRequest{Model: s.model, KeepAlive: &zero})
	if err != nil {
		log.Debug().Err(err).Str("model", s.model).Msg("Failed to unload ollama model")
		return
	}
	resp.Body.Close()
}

type stream struct {
	body io.ReadCloser
	dec  *json.Decoder
	done bool
}

func (st *stream) Recv() (string, error) {
	if st.done {
		return "", io.EOF
	}
	var chunk generateResponse
	if err := st.dec.Decode(&chunk); err != nil {
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("failed to read stream: %w", err)
	}
	if chunk.Error != "" {
		return "", fmt.Errorf("ollama stream error: %s", chunk.Error)
	}
	if chunk.Done {
		st.done = true
		if chunk.Response == "" {
			return "", io.EOF
		}
	}
	return chunk.Response, nil
}

func (st *stream) Close() error {
	return st.body.Close()
}

type summarizer struct {
	session session
	system  string
}

func (s *summarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.session.generate(ctx, text, s.system)
}

func (s *summarizer) Destroy() {}
