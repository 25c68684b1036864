package llm

import (
	"context"
	"errors"
)

// Mode is the generation capability a backend declares.
type Mode int

const (
	// ModeBatch backends only return complete responses.
	ModeBatch Mode = iota
	// ModeStreaming backends expose an incremental primitive.
	ModeStreaming
)

func (m Mode) String() string {
	if m == ModeStreaming {
		return "streaming"
	}
	return "batch"
}

// ChunkMode describes what a streaming backend yields per chunk.
type ChunkMode int

const (
	// ChunksDelta chunks are increments to append.
	ChunksDelta ChunkMode = iota
	// ChunksCumulative chunks are snapshots of the whole response so far.
	ChunksCumulative
)

// Availability is the backend's readiness to create a session.
type Availability string

const (
	Unavailable  Availability = "unavailable"
	Downloading  Availability = "downloading"
	Downloadable Availability = "downloadable"
	Available    Availability = "available"
)

var (
	ErrNotConfigured          = errors.New("backend not configured")
	ErrDownloadInProgress     = errors.New("model download in progress")
	ErrUserActivationRequired = errors.New("user activation required")
)

// Params are the backend-recommended generation parameters. Zero values mean
// the backend did not report the field.
type Params struct {
	DefaultTemperature float64
	MaxTemperature     float64
	DefaultTopK        float64
}

// DownloadMonitor receives model download progress.
type DownloadMonitor func(loaded, total int64)

type SessionOptions struct {
	Temperature float64
	TopK        int
	Monitor     DownloadMonitor
}

// Session is a live handle to a model.
type Session interface {
	Prompt(ctx context.Context, text string) (string, error)
	Destroy()
}

// TextStream yields chunks until io.EOF.
type TextStream interface {
	Recv() (string, error)
	Close() error
}

// StreamingSession is implemented by sessions of ModeStreaming backends.
type StreamingSession interface {
	Session
	PromptStreaming(ctx context.Context, text string) (TextStream, error)
}

// Backend is a model provider capable of creating sessions.
type Backend interface {
	// Name returns the backend identifier
	Name() string

	// Mode returns the declared generation capability
	Mode() Mode

	// ChunkMode returns what streamed chunks contain
	ChunkMode() ChunkMode

	// IsConfigured checks if the backend has what it needs to connect
	IsConfigured() bool

	Availability(ctx context.Context) (Availability, error)
	Params(ctx context.Context) (*Params, error)
	CreateSession(ctx context.Context, opts SessionOptions) (Session, error)
}

type SummarizerOptions struct {
	Type    string
	Format  string
	Length  string
	Monitor DownloadMonitor
}

// Summarizer produces summaries with a dedicated model configuration.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Destroy()
}

// SummarizerBackend is implemented by backends with a summarization capability.
type SummarizerBackend interface {
	SummarizerAvailability(ctx context.Context) (Availability, error)
	CreateSummarizer(ctx context.Context, opts SummarizerOptions) (Summarizer, error)
}

// BackendFactory creates a new backend instance
type BackendFactory func() Backend
