package handler

import (
	"net/http"

	"github.com/Rrens/pagemind/internal/api/response"
	"github.com/Rrens/pagemind/internal/llm"
)

// HealthCheck reports that the daemon process is serving.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// ReadyCheck reports whether the model session is live
func ReadyCheck(model ModelService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status := model.Status(); status.Ready {
			response.OK(w, status)
		} else {
			response.Unavailable(w, status)
		}
	}
}

// ListBackends returns the registered model backends
func ListBackends(router *llm.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]any{
			"backends":        router.GetBackendsInfo(),
			"default_backend": router.DefaultBackend(),
		})
	}
}
