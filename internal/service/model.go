package service

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/llm"
)

// Session parameter fallbacks and bounds.
const (
	DefaultTemperature = 0.8
	DefaultTopK        = 3
	MaxTopK            = 40
	temperatureNudge   = 1.1
)

// ChunkFunc receives normalized deltas. The last call has final set and an
// empty chunk.
type ChunkFunc func(chunk string, final bool)

// StreamChunk is one event of a channel-based generation.
type StreamChunk struct {
	Text  string
	Final bool
	Err   error
}

// ModelOptions configure a ModelService.
type ModelOptions struct {
	Backend              string
	SerializeGenerations bool
	SyntheticChunkDelay  time.Duration
	GenerationTimeout    time.Duration
}

// ModelStatus describes the service for readiness checks.
type ModelStatus struct {
	Backend     string  `json:"backend"`
	Mode        string  `json:"mode,omitempty"`
	Ready       bool    `json:"ready"`
	Temperature float64 `json:"temperature,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	Summarizer  bool    `json:"summarizer"`
}

// ModelService owns the single model session of the process.
type ModelService struct {
	router     *llm.Router
	name       string
	chunkDelay time.Duration
	timeout    time.Duration
	queue      *semaphore.Weighted
	group      singleflight.Group

	mu                  sync.Mutex
	ready               bool
	backend             llm.Backend
	session             llm.Session
	streaming           llm.StreamingSession
	options             llm.SessionOptions
	summarizerAvailable bool

	summarizerMu sync.Mutex
	summarizer   llm.Summarizer
}

// NewModelService creates a model service over the backends in router.
func NewModelService(router *llm.Router, opts ModelOptions) *ModelService {
	s := &ModelService{
		router:     router,
		name:       opts.Backend,
		chunkDelay: opts.SyntheticChunkDelay,
		timeout:    opts.GenerationTimeout,
	}
	if opts.SerializeGenerations {
		s.queue = semaphore.NewWeighted(1)
	}
	return s
}

// Ready reports whether a session is live.
func (s *ModelService) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Status returns a snapshot of the service state.
func (s *ModelService) Status() ModelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ModelStatus{Backend: s.name, Ready: s.ready, Summarizer: s.summarizerAvailable}
	if s.backend != nil {
		st.Backend = s.backend.Name()
		st.Mode = s.backend.Mode().String()
	}
	if s.ready {
		st.Temperature = s.options.Temperature
		st.TopK = s.options.TopK
	}
	return st
}

// Initialize creates the model session. Concurrent callers share one
// attempt and a ready service returns immediately.
func (s *ModelService) Initialize(ctx context.Context) error {
	if s.Ready() {
		return nil
	}
	// the shared attempt must not die with the first caller's request
	initCtx := context.WithoutCancel(ctx)
	_, err, _ := s.group.Do("initialize", func() (any, error) {
		if s.Ready() {
			return nil, nil
		}
		return nil, s.initialize(initCtx)
	})
	return err
}

func (s *ModelService) initialize(ctx context.Context) error {
	backend, err := s.router.GetBackend(s.name)
	if err != nil {
		return domain.WrapError(domain.ErrCapabilityUnavailable,
			"No model backend is available. Configure model.backend with a reachable backend (ollama, gemini, openai, anthropic or deepseek).", err)
	}

	avail, err := backend.Availability(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrInitializationFailed,
			"Failed to check model availability. Make sure the backend is running and reachable, then try again.", err)
	}
	switch avail {
	case llm.Unavailable:
		return domain.NewError(domain.ErrModelUnavailable,
			"The model is not available for this backend. Install or enable the configured model, then try again.")
	case llm.Downloading:
		return domain.NewError(domain.ErrModelDownloading,
			"The model is downloading. Please wait and try again in a few minutes.")
	case llm.Downloadable:
		log.Info().Str("backend", backend.Name()).Msg("Model needs to be downloaded, creating session will start it")
	}

	params, err := backend.Params(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get model params, using safe defaults")
		params = nil
	}
	temperature, topK := SessionParams(params)

	opts := llm.SessionOptions{
		Temperature: temperature,
		TopK:        topK,
		Monitor:     progressLogger(backend.Name()),
	}
	log.Info().
		Str("backend", backend.Name()).
		Float64("temperature", temperature).
		Int("top_k", topK).
		Msg("Creating model session")

	session, err := backend.CreateSession(ctx, opts)
	if err != nil {
		if isDownloadError(err) {
			return domain.WrapError(domain.ErrModelDownloading,
				"The model is downloading or requires user interaction. Please try again shortly.", err)
		}
		return domain.WrapError(domain.ErrInitializationFailed,
			"Failed to initialize the model. Check the backend logs and configuration, then try again.", err)
	}

	var streaming llm.StreamingSession
	if backend.Mode() == llm.ModeStreaming {
		ss, ok := session.(llm.StreamingSession)
		if !ok {
			log.Warn().Str("backend", backend.Name()).Msg("Streaming backend returned a batch session, falling back to synthetic streaming")
		}
		streaming = ss
	}

	summarizer := false
	if sb, ok := backend.(llm.SummarizerBackend); ok {
		if a, err := sb.SummarizerAvailability(ctx); err == nil && a != llm.Unavailable {
			summarizer = true
		} else if err != nil {
			log.Debug().Err(err).Msg("Summarizer not available")
		}
	}

	s.mu.Lock()
	s.backend = backend
	s.session = session
	s.streaming = streaming
	s.options = opts
	s.summarizerAvailable = summarizer
	s.ready = true
	s.mu.Unlock()

	log.Info().Str("backend", backend.Name()).Bool("summarizer", summarizer).Msg("Model session ready")
	return nil
}

// SessionParams derives session temperature and top-k from backend
// recommendations, falling back to safe defaults for missing values.
func SessionParams(p *llm.Params) (float64, int) {
	temperature := DefaultTemperature
	topK := DefaultTopK
	if p == nil {
		return temperature, topK
	}

	if p.DefaultTemperature > 0 && p.MaxTemperature > 0 {
		temperature = math.Max(0, math.Min(p.DefaultTemperature*temperatureNudge, p.MaxTemperature))
	}
	if !math.IsNaN(p.DefaultTopK) && p.DefaultTopK >= 1 {
		topK = int(math.Max(1, math.Min(math.Floor(p.DefaultTopK), MaxTopK)))
	}
	return temperature, topK
}

func isDownloadError(err error) bool {
	if errors.Is(err, llm.ErrDownloadInProgress) || errors.Is(err, llm.ErrUserActivationRequired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "download") || strings.Contains(msg, "user activation")
}

func progressLogger(backend string) llm.DownloadMonitor {
	last := -1
	return func(loaded, total int64) {
		if total <= 0 {
			return
		}
		pct := int(loaded * 100 / total)
		if pct/10 == last/10 && pct != 100 {
			return
		}
		last = pct
		log.Info().Str("backend", backend).Int("percent", pct).Msg("Model download progress")
	}
}

// acquire initializes on demand and takes the generation slot.
func (s *ModelService) acquire(ctx context.Context) (llm.Backend, llm.Session, llm.StreamingSession, func(), error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, nil, nil, nil, err
	}

	release := func() {}
	if s.queue != nil {
		if err := s.queue.Acquire(ctx, 1); err != nil {
			return nil, nil, nil, nil, err
		}
		release = func() { s.queue.Release(1) }
	}

	s.mu.Lock()
	backend, session, streaming := s.backend, s.session, s.streaming
	s.mu.Unlock()

	if session == nil {
		release()
		return nil, nil, nil, nil, domain.NewError(domain.ErrInitializationFailed,
			"The model session was released. Please try again.")
	}
	return backend, session, streaming, release, nil
}

func (s *ModelService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// GenerateResponse returns the complete response to prompt. Backend errors
// are returned unchanged.
func (s *ModelService) GenerateResponse(ctx context.Context, prompt, grounding string) (string, error) {
	_, session, _, release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return session.Prompt(ctx, llm.CombinePrompt(prompt, grounding))
}

// GenerateStreamingResponse streams the response to onChunk and returns the
// accumulated text. Batch backends are streamed word by word.
func (s *ModelService) GenerateStreamingResponse(ctx context.Context, prompt, grounding string, onChunk ChunkFunc) (string, error) {
	backend, session, streaming, release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	text := llm.CombinePrompt(prompt, grounding)
	if streaming != nil {
		return s.stream(ctx, streaming, backend.ChunkMode(), text, onChunk)
	}
	return s.synthesize(ctx, session, text, onChunk)
}

func (s *ModelService) stream(ctx context.Context, session llm.StreamingSession, mode llm.ChunkMode, text string, onChunk ChunkFunc) (string, error) {
	stream, err := session.PromptStreaming(ctx, text)
	if err != nil {
		return "", domain.WrapError(domain.ErrStreamingFailed, "Failed to start the response stream. Please try again.", err)
	}
	defer stream.Close()

	n := llm.NewNormalizer(mode)
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n.Text(), domain.WrapError(domain.ErrStreamingFailed, "The response stream failed. Please try again.", err)
		}
		if delta := n.Push(chunk); delta != "" {
			onChunk(delta, false)
		}
	}

	onChunk("", true)
	return n.Text(), nil
}

func (s *ModelService) synthesize(ctx context.Context, session llm.Session, text string, onChunk ChunkFunc) (string, error) {
	full, err := session.Prompt(ctx, text)
	if err != nil {
		return "", domain.WrapError(domain.ErrStreamingFailed, "Failed to generate a response. Please try again.", err)
	}

	words := llm.SplitWords(full)
	for i, w := range words {
		onChunk(w, false)
		if s.chunkDelay > 0 && i < len(words)-1 {
			select {
			case <-time.After(s.chunkDelay):
			case <-ctx.Done():
				return full, domain.WrapError(domain.ErrStreamingFailed, "The response stream was cancelled.", ctx.Err())
			}
		}
	}

	onChunk("", true)
	return full, nil
}

// Stream runs a streaming generation and delivers its events on a channel.
// The channel closes after the final chunk or an error.
func (s *ModelService) Stream(ctx context.Context, prompt, grounding string) <-chan StreamChunk {
	return ChunkChannel(ctx, func(onChunk ChunkFunc) (string, error) {
		return s.GenerateStreamingResponse(ctx, prompt, grounding, onChunk)
	})
}

// ChunkChannel runs generate on its own goroutine and turns its callbacks
// into channel events. Once ctx is done, pending events are dropped and
// the channel closes when generate returns.
func ChunkChannel(ctx context.Context, generate func(onChunk ChunkFunc) (string, error)) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		send := func(c StreamChunk) {
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}
		_, err := generate(func(chunk string, final bool) {
			send(StreamChunk{Text: chunk, Final: final})
		})
		if err != nil {
			send(StreamChunk{Err: err})
		}
	}()
	return out
}

// SummarizeContent summarizes content with the dedicated summarizer when
// there is one, falling back to a summary prompt. The summarizer does not
// need a ready session; the fallback does.
func (s *ModelService) SummarizeContent(ctx context.Context, content string) (string, error) {
	summary, err := s.summarize(ctx, llm.CleanContent(content))
	if err == nil && summary != "" {
		return summary, nil
	}
	if err != nil {
		log.Debug().Err(err).Msg("Summarizer failed, falling back to prompt")
	}

	return s.GenerateResponse(ctx, llm.SummarizePrompt(content), "")
}

var errNoSummarizer = errors.New("summarizer not available")

// summarizerBackend returns the backend's summarizer capability. Before a
// session exists the backend is resolved and checked on every call.
func (s *ModelService) summarizerBackend(ctx context.Context) (llm.Backend, llm.SummarizerBackend, error) {
	s.mu.Lock()
	backend, ready, available := s.backend, s.ready, s.summarizerAvailable
	s.mu.Unlock()

	if ready {
		sb, ok := backend.(llm.SummarizerBackend)
		if !ok || !available {
			return nil, nil, errNoSummarizer
		}
		return backend, sb, nil
	}

	backend, err := s.router.GetBackend(s.name)
	if err != nil {
		return nil, nil, err
	}
	sb, ok := backend.(llm.SummarizerBackend)
	if !ok {
		return nil, nil, errNoSummarizer
	}
	a, err := sb.SummarizerAvailability(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a == llm.Unavailable {
		return nil, nil, errNoSummarizer
	}
	return backend, sb, nil
}

func (s *ModelService) summarize(ctx context.Context, text string) (string, error) {
	backend, sb, err := s.summarizerBackend(ctx)
	if err != nil {
		return "", err
	}

	s.summarizerMu.Lock()
	if s.summarizer == nil {
		summarizer, err := sb.CreateSummarizer(ctx, llm.SummarizerOptions{
			Type:    "key-points",
			Format:  "markdown",
			Length:  "medium",
			Monitor: progressLogger(backend.Name()),
		})
		if err != nil {
			s.summarizerMu.Unlock()
			return "", err
		}
		s.summarizer = summarizer
	}
	summarizer := s.summarizer
	s.summarizerMu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return summarizer.Summarize(ctx, text)
}

// AnswerQuestion answers question using grounding as context.
func (s *ModelService) AnswerQuestion(ctx context.Context, question, grounding string) (string, error) {
	return s.GenerateResponse(ctx, llm.QuestionPrompt(question), grounding)
}

// Cleanup releases the session and summarizer. It is safe to call at any
// time and more than once.
func (s *ModelService) Cleanup() {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.streaming = nil
	s.ready = false
	s.summarizerAvailable = false
	s.mu.Unlock()

	if session != nil {
		session.Destroy()
	}

	s.summarizerMu.Lock()
	summarizer := s.summarizer
	s.summarizer = nil
	s.summarizerMu.Unlock()

	if summarizer != nil {
		summarizer.Destroy()
	}
}
