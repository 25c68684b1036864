package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/domain"
)

// Registration is the routing info a UI keeps for one in-flight request.
type Registration struct {
	RequestID      string
	Topic          domain.Topic
	ConversationID string
	MessageID      string
	Control        string
}

// Handler receives the events of registered requests. Calls for one
// request arrive in send order on the client's read goroutine.
type Handler struct {
	OnChunk    func(reg Registration, chunk string)
	OnComplete func(reg Registration, text string)
	OnError    func(reg Registration, err error)
	OnAbandon  func(reg Registration)
}

// Pending tracks one request until it completes, fails or is abandoned.
type Pending struct {
	Registration

	acc  strings.Builder
	done chan struct{}
	text string
	err  error
}

// Done is closed when the request reaches a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the final text or the terminal error. Valid after Done.
func (p *Pending) Result() (string, error) { return p.text, p.err }

// ClientOptions configure a Client.
type ClientOptions struct {
	// Token returns a bearer token for the handshake. Nil sends none.
	Token func() (string, error)
	// Ready reports whether the owning UI still wants a channel.
	Ready          func() bool
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Client is the UI end of the relay.
type Client struct {
	url     string
	opts    ClientOptions
	handler Handler

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*Pending
	closed  bool
	retry   *time.Timer
}

// NewClient creates a client for the websocket at url.
func NewClient(url string, handler Handler, opts ClientOptions) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	return &Client{
		url:     url,
		opts:    opts,
		handler: handler,
		pending: make(map[string]*Pending),
	}
}

// Connect dials the relay and starts reading events.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != nil {
		token, err := c.opts.Token()
		if err != nil {
			return domain.WrapError(domain.ErrChannelDisconnected, "Could not authenticate the stream channel.", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return domain.WrapError(domain.ErrChannelDisconnected,
			"Could not open the stream channel. Make sure the pagemind daemon is running.", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.NewError(domain.ErrChannelDisconnected, "The stream channel was closed.")
	}
	c.conn = conn
	c.mu.Unlock()

	log.Debug().Str("url", c.url).Msg("Relay connected")
	go c.readLoop(conn)
	return nil
}

// Connected reports whether a channel is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send registers reg and issues req. The registration exists before the
// request is written, so no event can arrive unrouted.
func (c *Client) Send(req domain.StreamRequest, reg Registration) (*Pending, error) {
	req.Action = domain.ActionGenerateStreaming
	reg.RequestID = req.RequestID
	if req.Topic == "" {
		req.Topic = reg.Topic
	}

	p := &Pending{Registration: reg, done: make(chan struct{})}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, domain.NewError(domain.ErrChannelDisconnected,
			"The stream channel is not connected. Reopen the chat and try again.")
	}
	if _, dup := c.pending[req.RequestID]; dup {
		c.mu.Unlock()
		return nil, domain.NewError(domain.ErrDuplicateRequest, "A request with this id is already pending.")
	}
	c.pending[req.RequestID] = p
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.take(req.RequestID)
		return nil, domain.WrapError(domain.ErrChannelDisconnected,
			"Could not send the request over the stream channel. Try again.", err)
	}
	return p, nil
}

// Pending returns the number of registered requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) lookup(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) take(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[id]
	delete(c.pending, id)
	return p
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var ev domain.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				log.Debug().Err(err).Msg("Relay read ended")
			}
			c.disconnected(conn)
			return
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev domain.StreamEvent) {
	if !ev.Success {
		p := c.take(ev.RequestID)
		if p == nil {
			log.Debug().Str("request_id", ev.RequestID).Str("error", string(ev.Error)).Msg("Dropping error for unknown request")
			return
		}
		kind := ev.Error
		if kind == "" {
			kind = domain.ErrStreamingFailed
		}
		p.err = domain.NewError(kind, ev.Message)
		if c.handler.OnError != nil {
			c.handler.OnError(p.Registration, p.err)
		}
		close(p.done)
		return
	}

	p := c.lookup(ev.RequestID)
	if p == nil {
		log.Debug().Str("request_id", ev.RequestID).Msg("Dropping chunk for unknown request")
		return
	}

	if ev.Chunk != "" {
		p.acc.WriteString(ev.Chunk)
		if c.handler.OnChunk != nil {
			c.handler.OnChunk(p.Registration, ev.Chunk)
		}
	}

	if ev.IsComplete {
		if c.take(ev.RequestID) != p {
			// abandoned while this event was in flight
			return
		}
		p.text = p.acc.String()
		if c.handler.OnComplete != nil {
			c.handler.OnComplete(p.Registration, p.text)
		}
		close(p.done)
	}
}

// disconnected abandons every pending request of conn and schedules one
// reconnect attempt.
func (c *Client) disconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	abandoned := c.pending
	c.pending = make(map[string]*Pending)
	reconnect := !c.closed && c.opts.Ready()
	if reconnect && c.retry == nil {
		c.retry = time.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
	}
	c.mu.Unlock()
	conn.Close()

	for _, p := range abandoned {
		p.err = domain.NewError(domain.ErrChannelDisconnected,
			"The stream channel closed before the response finished. Send the request again.")
		if c.handler.OnAbandon != nil {
			c.handler.OnAbandon(p.Registration)
		}
		close(p.done)
	}
	if len(abandoned) > 0 {
		log.Warn().Int("abandoned", len(abandoned)).Msg("Relay disconnected with requests in flight")
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.retry = nil
	skip := c.closed || !c.opts.Ready()
	c.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Relay reconnect failed")
		return
	}
	log.Info().Msg("Relay reconnected")
}

// Close shuts the channel. Pending requests are abandoned and no reconnect
// is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	c.disconnected(conn)
	return err
}
