package chat

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/Rrens/pagemind/internal/domain"
)

func TestTerminalView_StreamedResponsePrintsOnce(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	v := NewTerminalView(&buf, false)

	v.ShowUser(domain.TopicPrompt, "hi")
	v.ShowChunk(domain.TopicPrompt, "r1", "Hel")
	v.ShowChunk(domain.TopicPrompt, "r1", "lo")
	v.ShowResponse(domain.TopicPrompt, "r1", "Hello")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "Hello"))
	assert.Contains(t, out, "[prompt] you: hi")
	assert.Contains(t, out, "[prompt] ai: Hello\n")
}

func TestTerminalView_ReplayPrintsText(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	v := NewTerminalView(&buf, false)

	v.ShowResponse(domain.TopicPage, "", "a summary")
	v.ShowError("boom")
	v.SetStatus("AI Ready", StatusReady)

	out := buf.String()
	assert.Contains(t, out, "[page] ai:\na summary\n")
	assert.Contains(t, out, "error: boom")
	assert.Contains(t, out, "● AI Ready")
}

func TestTerminalView_Loading(t *testing.T) {
	v := NewTerminalView(&bytes.Buffer{}, false)

	v.SetLoading(ControlSendPrompt, true)
	assert.True(t, v.Busy(ControlSendPrompt))
	v.SetLoading(ControlSendPrompt, false)
	assert.False(t, v.Busy(ControlSendPrompt))
}
