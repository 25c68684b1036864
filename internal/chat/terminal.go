package chat

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"github.com/Rrens/pagemind/internal/domain"
)

// TerminalView writes the chat to a terminal. Streamed text is printed as
// it arrives; replayed responses are rendered as markdown.
type TerminalView struct {
	out      io.Writer
	renderer *glamour.TermRenderer

	mu       sync.Mutex
	streamed map[string]bool
	loading  map[string]bool
}

// NewTerminalView creates a view writing to out. With markdown off, or if
// the renderer cannot start, responses are printed as plain text.
func NewTerminalView(out io.Writer, markdown bool) *TerminalView {
	v := &TerminalView{
		out:      out,
		streamed: make(map[string]bool),
		loading:  make(map[string]bool),
	}
	if markdown {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
		if err == nil {
			v.renderer = r
		}
	}
	return v
}

func (v *TerminalView) SetStatus(text string, status Status) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var dot string
	switch status {
	case StatusReady:
		dot = color.GreenString("●")
	case StatusError:
		dot = color.RedString("●")
	default:
		dot = color.YellowString("●")
	}
	fmt.Fprintf(v.out, "%s %s\n", dot, text)
}

func (v *TerminalView) ShowUser(topic domain.Topic, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "%s %s\n", color.CyanString("[%s] you:", topic), text)
}

func (v *TerminalView) ShowChunk(topic domain.Topic, requestID, chunk string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.streamed[requestID] {
		v.streamed[requestID] = true
		fmt.Fprint(v.out, color.MagentaString("[%s] ai: ", topic))
	}
	fmt.Fprint(v.out, chunk)
}

func (v *TerminalView) ShowResponse(topic domain.Topic, requestID, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if requestID != "" && v.streamed[requestID] {
		delete(v.streamed, requestID)
		fmt.Fprintln(v.out)
		return
	}

	fmt.Fprintln(v.out, color.MagentaString("[%s] ai:", topic))
	fmt.Fprint(v.out, v.render(text))
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(v.out)
	}
}

func (v *TerminalView) render(text string) string {
	if v.renderer == nil {
		return text
	}
	out, err := v.renderer.Render(text)
	if err != nil {
		return text
	}
	return out
}

func (v *TerminalView) ShowError(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, color.RedString("error: %s", msg))
}

func (v *TerminalView) ShowNotice(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, color.GreenString("%s", msg))
}

// SetLoading tracks locked controls. A terminal has no buttons, so only
// the transitions are remembered for Busy.
func (v *TerminalView) SetLoading(control string, loading bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if loading {
		v.loading[control] = true
	} else {
		delete(v.loading, control)
	}
}

// Busy reports whether control is locked.
func (v *TerminalView) Busy(control string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading[control]
}

func (v *TerminalView) ClearTopic(topic domain.Topic) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, color.HiBlackString("── %s conversation ──", topic))
}
