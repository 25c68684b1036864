package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Runtime actions accepted by the daemon.
const (
	ActionInitialize        = "initialize"
	ActionGenerateResponse  = "generateResponse"
	ActionGenerateStreaming = "generateStreamingResponse"
	ActionSummarizeContent  = "summarizeContent"
	ActionAnswerQuestion    = "answerQuestion"
	ActionGetPageContent    = "getPageContent"
)

// Request id kinds.
const (
	KindPrompt    = "prompt"
	KindSummarize = "summarize"
	KindQuestion  = "question"
)

// RuntimeRequest is the tagged request/response message.
type RuntimeRequest struct {
	Action   string `json:"action" validate:"required"`
	Prompt   string `json:"prompt,omitempty" validate:"required_if=Action generateResponse"`
	Context  string `json:"context,omitempty" validate:"required_if=Action answerQuestion"`
	Content  string `json:"content,omitempty" validate:"required_if=Action summarizeContent"`
	Question string `json:"question,omitempty" validate:"required_if=Action answerQuestion"`
	URL      string `json:"url,omitempty" validate:"required_if=Action getPageContent"`
}

// RuntimeResponse is the flat reply to a RuntimeRequest. Exactly one payload
// field is set on success.
type RuntimeResponse struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message,omitempty"`
	Response string    `json:"response,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Answer   string    `json:"answer,omitempty"`
	Content  string    `json:"content,omitempty"`
	Error    ErrorKind `json:"error,omitempty"`
	Details  string    `json:"details,omitempty"`
}

// FailureResponse converts err into a failed RuntimeResponse.
func FailureResponse(err error, fallback ErrorKind) RuntimeResponse {
	kind := KindOf(err)
	if kind == "" {
		kind = fallback
	}
	resp := RuntimeResponse{Success: false, Error: kind, Message: MessageOf(err)}
	var de *Error
	if errors.As(err, &de) {
		resp.Details = de.Details
	}
	return resp
}

// StreamRequest is issued over the relay channel.
type StreamRequest struct {
	Action    string `json:"action" validate:"required,eq=generateStreamingResponse"`
	RequestID string `json:"requestId" validate:"required,max=128"`
	Prompt    string `json:"prompt" validate:"required"`
	Context   string `json:"context,omitempty"`
	Topic     Topic  `json:"tabName,omitempty" validate:"omitempty,oneof=prompt page"`
}

// StreamEvent is one chunk, completion or error for a request id.
type StreamEvent struct {
	RequestID  string    `json:"requestId"`
	Success    bool      `json:"success"`
	Chunk      string    `json:"chunk"`
	IsComplete bool      `json:"isComplete"`
	Error      ErrorKind `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ChunkEvent builds a successful stream event.
func ChunkEvent(requestID, chunk string, final bool) StreamEvent {
	return StreamEvent{RequestID: requestID, Success: true, Chunk: chunk, IsComplete: final}
}

// ErrorEvent builds a failed stream event.
func ErrorEvent(requestID string, err error) StreamEvent {
	kind := KindOf(err)
	if kind == "" {
		kind = ErrStreamingFailed
	}
	return StreamEvent{RequestID: requestID, Success: false, Error: kind, Message: MessageOf(err)}
}

// NewRequestID returns "<kind>_<unix millis>_<random>".
func NewRequestID(kind string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", kind, time.Now().UnixMilli(), random)
}
