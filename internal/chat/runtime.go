package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/security"
)

const (
	messagePath = "/api/v1/runtime/message"
	streamPath  = "/api/v1/runtime/stream"
	surfaceName = "terminal"
)

// RuntimeClient speaks the tagged request/response protocol of the daemon.
type RuntimeClient struct {
	baseURL string
	tokens  *security.TokenManager
	client  *http.Client
}

// NewRuntimeClient creates a client for the daemon at baseURL. A nil or
// disabled token manager sends no Authorization header.
func NewRuntimeClient(baseURL string, tokens *security.TokenManager, timeout time.Duration) *RuntimeClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RuntimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

// Token mints a handshake token, or returns "" when auth is disabled.
func (c *RuntimeClient) Token() (string, error) {
	if c.tokens == nil || !c.tokens.Enabled() {
		return "", nil
	}
	return c.tokens.Generate(surfaceName)
}

// TokenFunc returns the token source for the relay client, or nil when
// auth is disabled.
func (c *RuntimeClient) TokenFunc() func() (string, error) {
	if c.tokens == nil || !c.tokens.Enabled() {
		return nil
	}
	return c.Token
}

// StreamURL returns the websocket address of the relay.
func (c *RuntimeClient) StreamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + streamPath
	return u.String(), nil
}

// Send posts one runtime message. Failed replies from the daemon are
// returned as the response, not as an error.
func (c *RuntimeClient) Send(ctx context.Context, req domain.RuntimeRequest) (domain.RuntimeResponse, error) {
	var out domain.RuntimeResponse

	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagePath, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	token, err := c.Token()
	if err != nil {
		return out, fmt.Errorf("failed to mint token: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return out, domain.WrapError(domain.ErrChannelDisconnected,
			"Could not reach the pagemind daemon. Start it with `pagemind-server` and try again.", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return out, domain.NewError(domain.ErrInvalidRequest,
			"The daemon rejected the handshake token. Make sure both sides use the same PAGEMIND_SECRET.")
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("daemon returned status %d with an unreadable body: %w", resp.StatusCode, err)
	}
	return out, nil
}

// Initialize asks the daemon to bring up its model session.
func (c *RuntimeClient) Initialize(ctx context.Context) error {
	resp, err := c.Send(ctx, domain.RuntimeRequest{Action: domain.ActionInitialize})
	if err != nil {
		return err
	}
	return failure(resp)
}

// PageContent asks the daemon for the extracted text of url.
func (c *RuntimeClient) PageContent(ctx context.Context, pageURL string) (string, error) {
	resp, err := c.Send(ctx, domain.RuntimeRequest{Action: domain.ActionGetPageContent, URL: pageURL})
	if err != nil {
		return "", err
	}
	if err := failure(resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Generate runs a non-streamed generation.
func (c *RuntimeClient) Generate(ctx context.Context, prompt, grounding string) (string, error) {
	resp, err := c.Send(ctx, domain.RuntimeRequest{
		Action:  domain.ActionGenerateResponse,
		Prompt:  prompt,
		Context: grounding,
	})
	if err != nil {
		return "", err
	}
	if err := failure(resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

func failure(resp domain.RuntimeResponse) error {
	if resp.Success {
		return nil
	}
	kind := resp.Error
	if kind == "" {
		kind = domain.ErrGenerationFailed
	}
	return &domain.Error{Kind: kind, Message: resp.Message, Details: resp.Details}
}
