package chat

import "github.com/Rrens/pagemind/internal/domain"

// Status is the readiness indicator shown next to the status text.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "loading"
	}
}

// Controls that are locked while their request streams.
const (
	ControlSendPrompt = "sendPrompt"
	ControlSummarize  = "summarizePage"
	ControlAskPage    = "askPageQuestion"
)

// SummarizeLabel is what the transcript shows for a summarize request.
const SummarizeLabel = "📄 Summarize this page"

// View renders controller events. Methods may be called from the relay's
// read goroutine.
type View interface {
	SetStatus(text string, status Status)
	ShowUser(topic domain.Topic, text string)
	// ShowChunk appends streamed text for requestID.
	ShowChunk(topic domain.Topic, requestID, chunk string)
	// ShowResponse shows a finished response. requestID is empty when the
	// message is replayed from history.
	ShowResponse(topic domain.Topic, requestID, text string)
	ShowError(msg string)
	ShowNotice(msg string)
	SetLoading(control string, loading bool)
	ClearTopic(topic domain.Topic)
}
