package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Rrens/pagemind/internal/llm"
)

// MockBackend mocks llm.Backend
type MockBackend struct {
	mock.Mock
	mode      llm.Mode
	chunkMode llm.ChunkMode
}

func (m *MockBackend) Name() string             { return "mock" }
func (m *MockBackend) Mode() llm.Mode           { return m.mode }
func (m *MockBackend) ChunkMode() llm.ChunkMode { return m.chunkMode }
func (m *MockBackend) IsConfigured() bool       { return true }

func (m *MockBackend) Availability(ctx context.Context) (llm.Availability, error) {
	args := m.Called(ctx)
	return args.Get(0).(llm.Availability), args.Error(1)
}

func (m *MockBackend) Params(ctx context.Context) (*llm.Params, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Params), args.Error(1)
}

func (m *MockBackend) CreateSession(ctx context.Context, opts llm.SessionOptions) (llm.Session, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(llm.Session), args.Error(1)
}

// MockSummarizerBackend adds the summarization capability
type MockSummarizerBackend struct {
	MockBackend
}

func (m *MockSummarizerBackend) SummarizerAvailability(ctx context.Context) (llm.Availability, error) {
	args := m.Called(ctx)
	return args.Get(0).(llm.Availability), args.Error(1)
}

func (m *MockSummarizerBackend) CreateSummarizer(ctx context.Context, opts llm.SummarizerOptions) (llm.Summarizer, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(llm.Summarizer), args.Error(1)
}

// fakeSession is a batch session returning a canned response.
type fakeSession struct {
	mu        sync.Mutex
	response  string
	err       error
	delay     time.Duration
	prompts   []string
	destroyed int32

	active    int32
	maxActive int32
}

func (s *fakeSession) Prompt(ctx context.Context, text string) (string, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		max := atomic.LoadInt32(&s.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxActive, max, n) {
			break
		}
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, text)
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.response, s.err
}

func (s *fakeSession) Destroy() {
	atomic.AddInt32(&s.destroyed, 1)
}

func (s *fakeSession) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// fakeStreamingSession yields chunks then optionally fails.
type fakeStreamingSession struct {
	fakeSession
	chunks    []string
	streamErr error
}

func (s *fakeStreamingSession) PromptStreaming(ctx context.Context, text string) (llm.TextStream, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, text)
	s.mu.Unlock()
	return &fakeStream{chunks: s.chunks, err: s.streamErr}, nil
}

type fakeStream struct {
	chunks []string
	err    error
	pos    int
	closed bool
}

func (st *fakeStream) Recv() (string, error) {
	if st.pos < len(st.chunks) {
		c := st.chunks[st.pos]
		st.pos++
		return c, nil
	}
	if st.err != nil {
		return "", st.err
	}
	return "", io.EOF
}

func (st *fakeStream) Close() error {
	st.closed = true
	return nil
}

// fakeSummarizer returns a canned summary or error.
type fakeSummarizer struct {
	summary   string
	err       error
	inputs    []string
	destroyed int32
}

func (s *fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.inputs = append(s.inputs, text)
	return s.summary, s.err
}

func (s *fakeSummarizer) Destroy() {
	atomic.AddInt32(&s.destroyed, 1)
}

var errBackend = errors.New("backend exploded")
