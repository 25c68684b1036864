package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/service"
)

type generatorFunc func(ctx context.Context, prompt, grounding string, onChunk service.ChunkFunc) (string, error)

func (f generatorFunc) Stream(ctx context.Context, prompt, grounding string) <-chan service.StreamChunk {
	return service.ChunkChannel(ctx, func(onChunk service.ChunkFunc) (string, error) {
		return f(ctx, prompt, grounding, onChunk)
	})
}

// scripted streams words of the prompt, fails on "fail" and blocks on
// "block" until the channel goes away.
type scripted struct {
	cancelled int32
}

func (s *scripted) generate(ctx context.Context, prompt, grounding string, onChunk service.ChunkFunc) (string, error) {
	switch prompt {
	case "fail":
		onChunk("x", false)
		return "", domain.NewError(domain.ErrStreamingFailed, "backend died")
	case "block":
		onChunk("partial", false)
		<-ctx.Done()
		atomic.AddInt32(&s.cancelled, 1)
		return "", ctx.Err()
	}

	var out strings.Builder
	for _, w := range strings.Fields(prompt) {
		onChunk(w, false)
		out.WriteString(w)
		time.Sleep(time.Millisecond)
	}
	if grounding != "" {
		onChunk("+"+grounding, false)
		out.WriteString("+" + grounding)
	}
	onChunk("", true)
	return out.String(), nil
}

type recorder struct {
	mu        sync.Mutex
	chunks    map[string][]string
	completed map[string]string
	errors    map[string]error
	abandoned []string
}

func newRecorder() *recorder {
	return &recorder{
		chunks:    make(map[string][]string),
		completed: make(map[string]string),
		errors:    make(map[string]error),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnChunk: func(reg Registration, chunk string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunks[reg.RequestID] = append(r.chunks[reg.RequestID], chunk)
		},
		OnComplete: func(reg Registration, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed[reg.RequestID] = text
		},
		OnError: func(reg Registration, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors[reg.RequestID] = err
		},
		OnAbandon: func(reg Registration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.abandoned = append(r.abandoned, reg.RequestID)
		},
	}
}

func (r *recorder) chunkCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks[id])
}

func setup(t *testing.T) (*Hub, *scripted, string) {
	t.Helper()
	gen := &scripted{}
	hub := NewHub(generatorFunc(gen.generate), config.RelayConfig{})
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return hub, gen, "ws" + strings.TrimPrefix(server.URL, "http")
}

func wait(t *testing.T, p *Pending) (string, error) {
	t.Helper()
	select {
	case <-p.Done():
		return p.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s did not finish", p.RequestID)
		return "", nil
	}
}

func TestRelay_MultiplexesRequests(t *testing.T) {
	_, _, url := setup(t)
	rec := newRecorder()

	client := NewClient(url, rec.handler(), ClientOptions{})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	p1, err := client.Send(domain.StreamRequest{RequestID: "prompt_1_a", Prompt: "one two three"},
		Registration{Topic: domain.TopicPrompt, MessageID: "msg_a"})
	require.NoError(t, err)
	p2, err := client.Send(domain.StreamRequest{RequestID: "question_1_b", Prompt: "four five", Context: "ctx"},
		Registration{Topic: domain.TopicPage, MessageID: "msg_b"})
	require.NoError(t, err)

	text1, err := wait(t, p1)
	require.NoError(t, err)
	text2, err := wait(t, p2)
	require.NoError(t, err)

	assert.Equal(t, "onetwothree", text1)
	assert.Equal(t, "fourfive+ctx", text2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, rec.chunks["prompt_1_a"])
	assert.Equal(t, []string{"four", "five", "+ctx"}, rec.chunks["question_1_b"])
	assert.Equal(t, strings.Join(rec.chunks["prompt_1_a"], ""), rec.completed["prompt_1_a"])
	assert.Equal(t, "msg_b", p2.MessageID)
	assert.Equal(t, 0, client.Pending())
}

func TestRelay_ErrorIsolatedToRequest(t *testing.T) {
	_, _, url := setup(t)
	rec := newRecorder()

	client := NewClient(url, rec.handler(), ClientOptions{})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	bad, err := client.Send(domain.StreamRequest{RequestID: "prompt_1_bad", Prompt: "fail"}, Registration{})
	require.NoError(t, err)
	good, err := client.Send(domain.StreamRequest{RequestID: "prompt_1_good", Prompt: "fine"}, Registration{})
	require.NoError(t, err)

	_, err = wait(t, bad)
	assert.Equal(t, domain.ErrStreamingFailed, domain.KindOf(err))
	assert.Equal(t, "backend died", domain.MessageOf(err))

	text, err := wait(t, good)
	require.NoError(t, err)
	assert.Equal(t, "fine", text)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.errors, "prompt_1_bad")
	assert.NotContains(t, rec.completed, "prompt_1_bad")
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.StreamEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev domain.StreamEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHub_RejectsInvalidRequests(t *testing.T) {
	_, _, url := setup(t)
	conn := dialRaw(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "generateResponse", "requestId": "r1", "prompt": "p"}))
	ev := readEvent(t, conn)
	assert.False(t, ev.Success)
	assert.Equal(t, "r1", ev.RequestID)
	assert.Equal(t, domain.ErrInvalidRequest, ev.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	ev = readEvent(t, conn)
	assert.Equal(t, domain.ErrInvalidRequest, ev.Error)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "generateStreamingResponse", "requestId": "r2"}))
	ev = readEvent(t, conn)
	assert.Equal(t, "r2", ev.RequestID)
	assert.Equal(t, domain.ErrInvalidRequest, ev.Error)
}

func TestHub_DuplicateAndPurgeOnClose(t *testing.T) {
	hub, gen, url := setup(t)
	conn := dialRaw(t, url)

	req := domain.StreamRequest{Action: domain.ActionGenerateStreaming, RequestID: "dup", Prompt: "block"}
	require.NoError(t, conn.WriteJSON(req))

	ev := readEvent(t, conn)
	assert.Equal(t, domain.ChunkEvent("dup", "partial", false), ev)
	assert.Equal(t, 1, hub.InFlight())

	require.NoError(t, conn.WriteJSON(req))
	ev = readEvent(t, conn)
	assert.False(t, ev.Success)
	assert.Equal(t, domain.ErrDuplicateRequest, ev.Error)
	assert.Equal(t, 1, hub.InFlight())

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.InFlight() == 0 && hub.Endpoints() == 0 && atomic.LoadInt32(&gen.cancelled) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_DisconnectAbandonsAndReconnectsOnce(t *testing.T) {
	hub, _, url := setup(t)
	rec := newRecorder()

	var dials int32
	client := NewClient(url, rec.handler(), ClientOptions{
		ReconnectDelay: 20 * time.Millisecond,
		Token: func() (string, error) {
			atomic.AddInt32(&dials, 1)
			return "t", nil
		},
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	p, err := client.Send(domain.StreamRequest{RequestID: "prompt_1_x", Prompt: "block"}, Registration{Control: "sendPrompt"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.chunkCount("prompt_1_x") == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	_, err = wait(t, p)
	assert.Equal(t, domain.ErrChannelDisconnected, domain.KindOf(err))

	rec.mu.Lock()
	assert.Equal(t, []string{"prompt_1_x"}, rec.abandoned)
	assert.NotContains(t, rec.completed, "prompt_1_x")
	rec.mu.Unlock()

	require.Eventually(t, client.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))

	// the fresh channel works, the abandoned request stays abandoned
	p2, err := client.Send(domain.StreamRequest{RequestID: "prompt_2_y", Prompt: "again"}, Registration{})
	require.NoError(t, err)
	text, err := wait(t, p2)
	require.NoError(t, err)
	assert.Equal(t, "again", text)
}

func TestClient_NoReconnectWhenNotReady(t *testing.T) {
	hub, _, url := setup(t)

	client := NewClient(url, Handler{}, ClientOptions{
		ReconnectDelay: 10 * time.Millisecond,
		Ready:          func() bool { return false },
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	require.Eventually(t, func() bool { return !client.Connected() }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Connected())
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/none", Handler{}, ClientOptions{})

	_, err := client.Send(domain.StreamRequest{RequestID: "r", Prompt: "p"}, Registration{})
	assert.Equal(t, domain.ErrChannelDisconnected, domain.KindOf(err))
	assert.NoError(t, client.Close())
}

func TestClient_DropsUnknownEvents(t *testing.T) {
	rec := newRecorder()
	client := NewClient("ws://unused", rec.handler(), ClientOptions{})

	assert.NotPanics(t, func() {
		client.dispatch(domain.ChunkEvent("ghost", "boo", false))
		client.dispatch(domain.ChunkEvent("ghost", "", true))
		client.dispatch(domain.StreamEvent{RequestID: "ghost", Error: domain.ErrStreamingFailed})
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.chunks)
	assert.Empty(t, rec.completed)
	assert.Empty(t, rec.errors)
}

func TestClient_CloseAbandonsPending(t *testing.T) {
	_, _, url := setup(t)
	rec := newRecorder()

	client := NewClient(url, rec.handler(), ClientOptions{ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, client.Connect(context.Background()))

	p, err := client.Send(domain.StreamRequest{RequestID: "prompt_3_z", Prompt: "block"}, Registration{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.chunkCount("prompt_3_z") == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	_, err = wait(t, p)
	assert.Equal(t, domain.ErrChannelDisconnected, domain.KindOf(err))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Connected())
}
