// Package chat drives a chat surface: it turns user actions into stored
// messages and streamed requests, and commits finished responses.
package chat

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/llm"
	"github.com/Rrens/pagemind/internal/relay"
	"github.com/Rrens/pagemind/internal/store"
)

var (
	ErrNotInitialized = errors.New("AI is not initialized. Please wait for the daemon to finish starting, or restart it")
	ErrNoPageContent  = errors.New("unable to access page content. Load an http(s) page first and try again")
	ErrNoStream       = errors.New("no stream channel attached")
)

const persistTimeout = 10 * time.Second

// Runtime is the request/response side of the daemon.
type Runtime interface {
	Initialize(ctx context.Context) error
	PageContent(ctx context.Context, pageURL string) (string, error)
}

// Streamer is the UI end of the relay.
type Streamer interface {
	Connect(ctx context.Context) error
	Send(req domain.StreamRequest, reg relay.Registration) (*relay.Pending, error)
	Close() error
}

// Options configure a Controller.
type Options struct {
	// RetryDelay is how long to wait before retrying initialization
	// while the model downloads.
	RetryDelay time.Duration
	// NoReplay skips replaying the active conversations on Start.
	NoReplay bool
}

// Controller orchestrates one chat surface.
type Controller struct {
	runtime    Runtime
	store      *store.ConversationStore
	view       View
	retryDelay time.Duration
	noReplay   bool

	mu          sync.Mutex
	stream      Streamer
	initialized bool
	closed      bool
	pageURL     string
	pageContent string
	retry       *time.Timer
}

// NewController creates a controller. Attach the relay with UseStream
// before Start; the relay's events go to Handler.
func NewController(runtime Runtime, st *store.ConversationStore, view View, opts Options) *Controller {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	return &Controller{
		runtime:    runtime,
		store:      st,
		view:       view,
		retryDelay: opts.RetryDelay,
		noReplay:   opts.NoReplay,
	}
}

// UseStream attaches the relay client.
func (c *Controller) UseStream(s Streamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
}

// Ready reports whether the model was initialized. The relay consults it
// before reconnecting.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && !c.closed
}

// Start loads history, opens the stream channel and initializes the model.
// A failed initialization is shown on the view and does not fail Start.
func (c *Controller) Start(ctx context.Context) error {
	if _, err := c.store.Load(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to load conversation history")
	}
	if !c.noReplay {
		for _, topic := range domain.Topics {
			c.RestoreConversation(topic)
		}
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrNoStream
	}
	if err := stream.Connect(ctx); err != nil {
		c.view.ShowError(domain.MessageOf(err))
		return err
	}

	c.InitializeAI(ctx)
	return nil
}

// InitializeAI asks the daemon to initialize the model. While the model
// downloads, one retry is scheduled after the retry delay.
func (c *Controller) InitializeAI(ctx context.Context) error {
	c.view.SetStatus("Initializing AI...", StatusLoading)

	err := c.runtime.Initialize(ctx)
	if err == nil {
		c.mu.Lock()
		c.initialized = true
		if c.retry != nil {
			c.retry.Stop()
			c.retry = nil
		}
		c.mu.Unlock()
		c.view.SetStatus("AI Ready", StatusReady)
		log.Info().Msg("AI initialized")
		return nil
	}

	kind := domain.KindOf(err)
	log.Error().Err(err).Str("kind", string(kind)).Msg("AI initialization failed")

	if kind == "" || kind == domain.ErrChannelDisconnected {
		c.view.SetStatus("AI Error", StatusError)
	} else {
		c.view.SetStatus("AI Unavailable", StatusError)
	}
	c.view.ShowError(initMessage(err, kind, c.retryDelay))

	if kind == domain.ErrModelDownloading {
		c.scheduleRetry()
	}
	return err
}

func (c *Controller) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retry != nil || c.closed {
		return
	}
	c.retry = time.AfterFunc(c.retryDelay, func() {
		c.mu.Lock()
		c.retry = nil
		skip := c.initialized || c.closed
		c.mu.Unlock()
		if skip {
			return
		}
		log.Info().Msg("Retrying AI initialization")
		c.InitializeAI(context.Background())
	})
}

// RetryPending reports whether an initialization retry is scheduled.
func (c *Controller) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

func initMessage(err error, kind domain.ErrorKind, retry time.Duration) string {
	msg := domain.MessageOf(err)
	if msg == "" {
		msg = "The model is not available."
	}

	switch kind {
	case domain.ErrCapabilityUnavailable:
		msg += "\n\nSetup: configure a backend in configs/config.yaml (model.backend) " +
			"and its credentials, then restart the daemon."
	case domain.ErrModelDownloading:
		msg += "\n\nThe model is downloading. This happens once on first use. " +
			"Retrying automatically in " + retry.String() + "."
	case domain.ErrModelUnavailable:
		msg += "\n\nThe backend reports the model cannot run here. " +
			"Check the model name and that the backend supports it."
	case domain.ErrInitializationFailed:
		var de *domain.Error
		if errors.As(err, &de) && de.Details != "" {
			msg += "\n\nDetails: " + de.Details
		}
	case "":
		msg = "Failed to initialize AI. " + err.Error() + " Check that the daemon is running."
	}
	return msg
}

// LoadPage fetches the text of pageURL through the daemon. Only http(s)
// pages can be read; anything else leaves the page empty.
func (c *Controller) LoadPage(ctx context.Context, pageURL string) error {
	c.mu.Lock()
	c.pageURL = pageURL
	c.pageContent = ""
	c.mu.Unlock()

	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		log.Info().Str("url", pageURL).Msg("Cannot read restricted URL")
		return ErrNoPageContent
	}

	content, err := c.runtime.PageContent(ctx, pageURL)
	if err != nil {
		log.Warn().Err(err).Str("url", pageURL).Msg("Failed to load page content")
		return err
	}

	c.mu.Lock()
	if c.pageURL == pageURL {
		c.pageContent = content
	}
	c.mu.Unlock()
	log.Debug().Str("url", pageURL).Int("length", len(content)).Msg("Page content loaded")
	return nil
}

// PageContent returns the loaded page text.
func (c *Controller) PageContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageContent
}

// SubmitPrompt streams a free-form prompt into the prompt topic. A blank
// prompt is ignored and returns a nil Pending.
func (c *Controller) SubmitPrompt(prompt string) (*relay.Pending, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, nil
	}
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	return c.submit(submission{
		kind:    domain.KindPrompt,
		topic:   domain.TopicPrompt,
		control: ControlSendPrompt,
		label:   prompt,
		message: domain.Message{Prompt: prompt},
		request: domain.StreamRequest{Prompt: prompt},
	})
}

// Summarize streams a summary of the loaded page into the page topic.
func (c *Controller) Summarize() (*relay.Pending, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	content, err := c.requirePage()
	if err != nil {
		return nil, err
	}

	return c.submit(submission{
		kind:    domain.KindSummarize,
		topic:   domain.TopicPage,
		control: ControlSummarize,
		label:   SummarizeLabel,
		message: domain.Message{Prompt: "Summarize page", Type: domain.MessageTypeSummarize},
		request: domain.StreamRequest{Prompt: llm.SummarizePrompt(content)},
	})
}

// AskQuestion streams an answer grounded on the loaded page. A blank
// question is ignored and returns a nil Pending.
func (c *Controller) AskQuestion(question string) (*relay.Pending, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil
	}
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	content, err := c.requirePage()
	if err != nil {
		return nil, err
	}

	return c.submit(submission{
		kind:    domain.KindQuestion,
		topic:   domain.TopicPage,
		control: ControlAskPage,
		label:   question,
		message: domain.Message{Prompt: question, Type: domain.MessageTypeQuestion},
		request: domain.StreamRequest{Prompt: question, Context: content},
	})
}

func (c *Controller) requireInitialized() error {
	c.mu.Lock()
	ok := c.initialized
	c.mu.Unlock()
	if !ok {
		c.view.ShowError(ErrNotInitialized.Error() + ".")
		return ErrNotInitialized
	}
	return nil
}

func (c *Controller) requirePage() (string, error) {
	c.mu.Lock()
	content := c.pageContent
	c.mu.Unlock()
	if strings.TrimSpace(content) == "" {
		c.view.ShowError(ErrNoPageContent.Error() + ".")
		return "", ErrNoPageContent
	}
	return content, nil
}

type submission struct {
	kind    string
	topic   domain.Topic
	control string
	label   string
	message domain.Message
	request domain.StreamRequest
}

func (c *Controller) submit(s submission) (*relay.Pending, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil, ErrNoStream
	}

	c.view.SetLoading(s.control, true)
	c.view.ShowUser(s.topic, s.label)

	convID, msgID := c.store.AppendMessage(s.topic, s.message)

	req := s.request
	req.RequestID = domain.NewRequestID(s.kind)
	req.Topic = s.topic

	p, err := stream.Send(req, relay.Registration{
		Topic:          s.topic,
		ConversationID: convID,
		MessageID:      msgID,
		Control:        s.control,
	})
	if err != nil {
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to send stream request")
		c.view.ShowError(domain.MessageOf(err))
		c.view.SetLoading(s.control, false)
		return nil, err
	}

	log.Debug().
		Str("request_id", req.RequestID).
		Str("topic", string(s.topic)).
		Str("conversation_id", convID).
		Msg("Stream request sent")
	return p, nil
}

// Handler returns the relay callbacks that render and commit responses.
func (c *Controller) Handler() relay.Handler {
	return relay.Handler{
		OnChunk: func(reg relay.Registration, chunk string) {
			c.view.ShowChunk(reg.Topic, reg.RequestID, chunk)
		},
		OnComplete: c.complete,
		OnError: func(reg relay.Registration, err error) {
			msg := domain.MessageOf(err)
			if msg == "" {
				msg = "Streaming failed"
			}
			log.Error().Err(err).Str("request_id", reg.RequestID).Msg("Streaming error")
			c.view.ShowError(msg)
			c.view.SetLoading(reg.Control, false)
		},
		OnAbandon: func(reg relay.Registration) {
			log.Warn().Str("request_id", reg.RequestID).Msg("Stream abandoned")
			c.view.SetLoading(reg.Control, false)
		},
	}
}

func (c *Controller) complete(reg relay.Registration, text string) {
	c.view.ShowResponse(reg.Topic, reg.RequestID, text)

	err := c.store.FinalizeConversationResponse(reg.Topic, reg.ConversationID, reg.MessageID, text)
	switch {
	case errors.Is(err, store.ErrMessageNotFound), errors.Is(err, store.ErrConversationNotFound):
		log.Info().
			Str("request_id", reg.RequestID).
			Str("conversation_id", reg.ConversationID).
			Msg("Response discarded, its message was cleared")
	case err != nil:
		log.Warn().Err(err).
			Str("request_id", reg.RequestID).
			Str("conversation_id", reg.ConversationID).
			Msg("Could not commit response")
	default:
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		c.store.Persist(ctx)
		cancel()
	}

	c.view.SetLoading(reg.Control, false)
}

// StartNewConversation creates and activates an empty conversation.
func (c *Controller) StartNewConversation(ctx context.Context, topic domain.Topic) string {
	id := c.store.StartNew(ctx, topic)
	c.view.ClearTopic(topic)
	c.view.ShowNotice("✨ New conversation started!")
	return id
}

// ClearConversation empties the active conversation of topic.
func (c *Controller) ClearConversation(ctx context.Context, topic domain.Topic) {
	c.store.Clear(ctx, topic)
	c.view.ClearTopic(topic)
	c.view.ShowNotice("Conversation cleared!")
}

// RestoreConversation replays the active conversation of topic.
func (c *Controller) RestoreConversation(topic domain.Topic) {
	conv, ok := c.store.GetActive(topic)
	if !ok || len(conv.Messages) == 0 {
		return
	}

	c.view.ClearTopic(topic)
	for _, m := range conv.Messages {
		if m.Prompt != "" {
			label := m.Prompt
			if topic == domain.TopicPage && m.Type == domain.MessageTypeSummarize {
				label = SummarizeLabel
			}
			c.view.ShowUser(topic, label)
		}
		if m.Response != "" {
			c.view.ShowResponse(topic, "", m.Response)
		}
	}
}

// SwitchConversation activates an older conversation and replays it.
func (c *Controller) SwitchConversation(ctx context.Context, topic domain.Topic, id string) error {
	if err := c.store.SetActive(ctx, topic, id); err != nil {
		return err
	}
	c.RestoreConversation(topic)
	return nil
}

// Conversations lists the conversations of topic, newest first.
func (c *Controller) Conversations(topic domain.Topic) []domain.Conversation {
	return c.store.Conversations(topic)
}

// Close stops any pending retry and closes the stream channel.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Close()
}
