package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/security"
)

func runtimeServer(t *testing.T, fn func(req domain.RuntimeRequest, r *http.Request) (int, domain.RuntimeResponse)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, messagePath, r.URL.Path)
		var req domain.RuntimeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, resp := fn(req, r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRuntimeClient_Initialize(t *testing.T) {
	srv := runtimeServer(t, func(req domain.RuntimeRequest, r *http.Request) (int, domain.RuntimeResponse) {
		assert.Equal(t, domain.ActionInitialize, req.Action)
		assert.Empty(t, r.Header.Get("Authorization"))
		return http.StatusOK, domain.RuntimeResponse{Success: true, Message: "ready"}
	})

	c := NewRuntimeClient(srv.URL, nil, time.Second)
	assert.NoError(t, c.Initialize(context.Background()))
}

func TestRuntimeClient_InitializeFailureKeepsKind(t *testing.T) {
	srv := runtimeServer(t, func(req domain.RuntimeRequest, r *http.Request) (int, domain.RuntimeResponse) {
		return http.StatusServiceUnavailable, domain.RuntimeResponse{
			Error:   domain.ErrModelDownloading,
			Message: "Model is downloading",
			Details: "42%",
		}
	})

	c := NewRuntimeClient(srv.URL, nil, time.Second)
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrModelDownloading))
	assert.Equal(t, "Model is downloading", domain.MessageOf(err))
}

func TestRuntimeClient_PageContentSendsToken(t *testing.T) {
	tokens := security.NewTokenManager("shared", time.Minute)
	srv := runtimeServer(t, func(req domain.RuntimeRequest, r *http.Request) (int, domain.RuntimeResponse) {
		assert.Equal(t, domain.ActionGetPageContent, req.Action)
		assert.Equal(t, "https://example.com", req.URL)

		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))
		claims, err := tokens.Validate(strings.TrimPrefix(auth, "Bearer "))
		require.NoError(t, err)
		assert.Equal(t, surfaceName, claims.Surface)

		return http.StatusOK, domain.RuntimeResponse{Success: true, Content: "page text"}
	})

	c := NewRuntimeClient(srv.URL, tokens, time.Second)
	content, err := c.PageContent(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "page text", content)
	assert.NotNil(t, c.TokenFunc())
}

func TestRuntimeClient_Generate(t *testing.T) {
	srv := runtimeServer(t, func(req domain.RuntimeRequest, r *http.Request) (int, domain.RuntimeResponse) {
		assert.Equal(t, domain.ActionGenerateResponse, req.Action)
		assert.Equal(t, "ctx", req.Context)
		return http.StatusOK, domain.RuntimeResponse{Success: true, Response: "answer to " + req.Prompt}
	})

	c := NewRuntimeClient(srv.URL, nil, time.Second)
	out, err := c.Generate(context.Background(), "q", "ctx")
	require.NoError(t, err)
	assert.Equal(t, "answer to q", out)
	assert.Nil(t, c.TokenFunc())
}

func TestRuntimeClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewRuntimeClient(srv.URL, nil, time.Second)
	err := c.Initialize(context.Background())
	assert.True(t, domain.IsKind(err, domain.ErrInvalidRequest))
}

func TestRuntimeClient_DaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRuntimeClient(url, nil, time.Second)
	err := c.Initialize(context.Background())
	assert.True(t, domain.IsKind(err, domain.ErrChannelDisconnected))
}

func TestRuntimeClient_StreamURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8787", want: "ws://127.0.0.1:8787/api/v1/runtime/stream"},
		{base: "https://pagemind.local/", want: "wss://pagemind.local/api/v1/runtime/stream"},
		{base: "ws://localhost:1", want: "ws://localhost:1/api/v1/runtime/stream"},
		{base: "ftp://nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := NewRuntimeClient(tt.base, nil, 0).StreamURL()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
