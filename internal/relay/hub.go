// Package relay multiplexes streaming generations over one websocket per UI
// surface. Hub is the daemon side, Client the UI side.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/service"
)

// Generator produces a streamed response as a channel of chunk events that
// closes after the final chunk or an error.
type Generator interface {
	Stream(ctx context.Context, prompt, grounding string) <-chan service.StreamChunk
}

// Hub accepts channels from UI surfaces and routes every request's events
// back to the endpoint that issued it.
type Hub struct {
	gen      Generator
	cfg      config.RelayConfig
	validate *validator.Validate
	upgrader websocket.Upgrader

	mu        sync.Mutex
	routes    map[string]*endpoint
	endpoints map[*endpoint]struct{}
	wg        sync.WaitGroup
}

// endpoint is one open channel.
type endpoint struct {
	id     string
	conn   *websocket.Conn
	send   chan domain.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub serving gen.
func NewHub(gen Generator, cfg config.RelayConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	return &Hub{
		gen:      gen,
		cfg:      cfg,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// handshake auth happens in middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		routes:    make(map[string]*endpoint),
		endpoints: make(map[*endpoint]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the channel until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	ep := &endpoint{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan domain.StreamEvent, h.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("endpoint", ep.id).Msg("Relay channel opened")

	go h.writePump(ep)
	h.readPump(ep)
}

func (h *Hub) readPump(ep *endpoint) {
	defer h.drop(ep)

	if h.cfg.MaxMessageSize > 0 {
		ep.conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	ep.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ep.conn.SetPongHandler(func(string) error {
		return ep.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := ep.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("endpoint", ep.id).Msg("Relay channel read failed")
			}
			return
		}
		h.handle(ep, data)
	}
}

func (h *Hub) handle(ep *endpoint, data []byte) {
	var req domain.StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ep.enqueue(domain.ErrorEvent("", domain.WrapError(domain.ErrInvalidRequest, "Malformed stream request.", err)))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ep.enqueue(domain.ErrorEvent(req.RequestID, domain.WrapError(domain.ErrInvalidRequest,
			"Stream requests need action generateStreamingResponse, a requestId and a prompt.", err)))
		return
	}

	h.mu.Lock()
	if _, busy := h.routes[req.RequestID]; busy {
		h.mu.Unlock()
		ep.enqueue(domain.ErrorEvent(req.RequestID, domain.NewError(domain.ErrDuplicateRequest,
			"A request with this id is already in flight. Use a fresh request id.")))
		return
	}
	h.routes[req.RequestID] = ep
	h.wg.Add(1)
	h.mu.Unlock()

	go h.run(ep, req)
}

func (h *Hub) run(ep *endpoint, req domain.StreamRequest) {
	defer h.wg.Done()
	defer h.release(req.RequestID, ep)

	logger := log.With().Str("request_id", req.RequestID).Str("topic", string(req.Topic)).Logger()
	logger.Debug().Msg("Stream started")

	for ev := range h.gen.Stream(ep.ctx, req.Prompt, req.Context) {
		if ep.ctx.Err() != nil {
			continue
		}
		if ev.Err != nil {
			logger.Warn().Err(ev.Err).Msg("Stream failed")
			ep.enqueue(domain.ErrorEvent(req.RequestID, ev.Err))
			continue
		}
		ep.enqueue(domain.ChunkEvent(req.RequestID, ev.Text, ev.Final))
	}

	if ep.ctx.Err() != nil {
		logger.Debug().Msg("Stream abandoned, channel closed")
		return
	}
	logger.Debug().Msg("Stream completed")
}

// release removes the route if it still points at ep.
func (h *Hub) release(requestID string, ep *endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.routes[requestID] == ep {
		delete(h.routes, requestID)
	}
}

// drop purges every route of a closed endpoint and stops its generations.
func (h *Hub) drop(ep *endpoint) {
	h.mu.Lock()
	purged := 0
	for id, target := range h.routes {
		if target == ep {
			delete(h.routes, id)
			purged++
		}
	}
	delete(h.endpoints, ep)
	h.mu.Unlock()

	ep.cancel()
	ep.conn.Close()
	log.Info().Str("endpoint", ep.id).Int("abandoned", purged).Msg("Relay channel closed")
}

func (h *Hub) writePump(ep *endpoint) {
	ticker := time.NewTicker(h.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		ep.conn.Close()
	}()

	for {
		select {
		case ev := <-ep.send:
			ep.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := ep.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("endpoint", ep.id).Msg("Relay write failed")
				ep.cancel()
				return
			}
		case <-ticker.C:
			ep.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := ep.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ep.cancel()
				return
			}
		case <-ep.ctx.Done():
			ep.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			ep.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands ev to the endpoint's writer. Events for a closed endpoint
// are discarded.
func (ep *endpoint) enqueue(ev domain.StreamEvent) {
	select {
	case ep.send <- ev:
	case <-ep.ctx.Done():
	}
}

// InFlight returns the number of routed requests.
func (h *Hub) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.routes)
}

// Endpoints returns the number of open channels.
func (h *Hub) Endpoints() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

// Shutdown closes every channel and waits for running generations to stop
// or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for ep := range h.endpoints {
		ep.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
