package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/api/response"
	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/service"
)

var validate = validator.New()

// ModelService is the part of the model service the runtime endpoint uses.
type ModelService interface {
	Initialize(ctx context.Context) error
	GenerateResponse(ctx context.Context, prompt, grounding string) (string, error)
	SummarizeContent(ctx context.Context, content string) (string, error)
	AnswerQuestion(ctx context.Context, question, grounding string) (string, error)
	Status() service.ModelStatus
}

// PageExtractor reads page text for getPageContent.
type PageExtractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// RuntimeHandler serves the tagged request/response protocol.
type RuntimeHandler struct {
	model ModelService
	pages PageExtractor
}

// NewRuntimeHandler creates a new runtime handler
func NewRuntimeHandler(model ModelService, pages PageExtractor) *RuntimeHandler {
	return &RuntimeHandler{model: model, pages: pages}
}

// Message handles one runtime message
func (h *RuntimeHandler) Message(w http.ResponseWriter, r *http.Request) {
	var req domain.RuntimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, domain.WrapError(domain.ErrInvalidRequest, "Invalid request body.", err), domain.ErrInvalidRequest)
		return
	}

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Action" {
			h.fail(w, r, domain.NewError(domain.ErrInvalidRequest, "Missing action."), domain.ErrInvalidRequest)
			return
		}
		h.fail(w, r, domain.WrapError(domain.ErrInvalidRequest,
			"Missing a required field for action "+req.Action+".", err), domain.ErrInvalidRequest)
		return
	}

	ctx := r.Context()
	switch req.Action {
	case domain.ActionInitialize:
		if err := h.model.Initialize(ctx); err != nil {
			h.fail(w, r, err, domain.ErrInitializationFailed)
			return
		}
		response.Runtime(w, http.StatusOK, domain.RuntimeResponse{Success: true, Message: "AI initialized successfully"})

	case domain.ActionGenerateResponse:
		text, err := h.model.GenerateResponse(ctx, req.Prompt, req.Context)
		if err != nil {
			h.fail(w, r, err, domain.ErrGenerationFailed)
			return
		}
		response.Runtime(w, http.StatusOK, domain.RuntimeResponse{Success: true, Response: text})

	case domain.ActionSummarizeContent:
		summary, err := h.model.SummarizeContent(ctx, req.Content)
		if err != nil {
			h.fail(w, r, err, domain.ErrGenerationFailed)
			return
		}
		response.Runtime(w, http.StatusOK, domain.RuntimeResponse{Success: true, Summary: summary})

	case domain.ActionAnswerQuestion:
		answer, err := h.model.AnswerQuestion(ctx, req.Question, req.Context)
		if err != nil {
			h.fail(w, r, err, domain.ErrGenerationFailed)
			return
		}
		response.Runtime(w, http.StatusOK, domain.RuntimeResponse{Success: true, Answer: answer})

	case domain.ActionGetPageContent:
		content, err := h.pages.Extract(ctx, req.URL)
		if err != nil {
			h.fail(w, r, domain.WrapError(domain.ErrPageUnavailable,
				"Could not read the page. Check the URL and that the page is reachable.", err), domain.ErrPageUnavailable)
			return
		}
		response.Runtime(w, http.StatusOK, domain.RuntimeResponse{Success: true, Content: content})

	case domain.ActionGenerateStreaming:
		h.fail(w, r, domain.NewError(domain.ErrUnknownAction,
			"generateStreamingResponse is only served on the stream channel."), domain.ErrUnknownAction)

	default:
		h.fail(w, r, domain.NewError(domain.ErrUnknownAction, "Unknown action: "+req.Action), domain.ErrUnknownAction)
	}
}

func (h *RuntimeHandler) fail(w http.ResponseWriter, r *http.Request, err error, fallback domain.ErrorKind) {
	resp := domain.FailureResponse(err, fallback)
	log.Warn().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("kind", string(resp.Error)).
		Msg("Runtime message failed")
	response.Runtime(w, statusFor(resp.Error), resp)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrInvalidRequest, domain.ErrUnknownAction:
		return http.StatusBadRequest
	case domain.ErrCapabilityUnavailable, domain.ErrModelUnavailable, domain.ErrModelDownloading:
		return http.StatusServiceUnavailable
	case domain.ErrPageUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
