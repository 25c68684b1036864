// Package response writes JSON bodies for the daemon's HTTP surface.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/domain"
)

// Envelope wraps operational endpoints (health, backends). Runtime
// endpoints reply with a bare domain.RuntimeResponse instead.
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   any  `json:"error,omitempty"`
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Int("status", status).Msg("Failed to write response body")
	}
}

// OK sends data inside a successful envelope.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// Unavailable sends a 503 envelope carrying detail.
func Unavailable(w http.ResponseWriter, detail any) {
	write(w, http.StatusServiceUnavailable, Envelope{Error: detail})
}

// Runtime sends a runtime protocol reply.
func Runtime(w http.ResponseWriter, status int, resp domain.RuntimeResponse) {
	write(w, status, resp)
}

// Unauthorized rejects a runtime caller. The body keeps the runtime shape
// so surfaces decode it like any other failure.
func Unauthorized(w http.ResponseWriter, message string) {
	write(w, http.StatusUnauthorized, domain.RuntimeResponse{
		Success: false,
		Error:   domain.ErrInvalidRequest,
		Message: message,
	})
}
