package chat

import (
	"context"
	"sync"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/relay"
)

type fakeRuntime struct {
	mu       sync.Mutex
	initErrs []error
	inits    int
	content  string
	pageErr  error
	pages    []string
}

func (f *fakeRuntime) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	if len(f.initErrs) == 0 {
		return nil
	}
	err := f.initErrs[0]
	f.initErrs = f.initErrs[1:]
	return err
}

func (f *fakeRuntime) PageContent(ctx context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, pageURL)
	return f.content, f.pageErr
}

func (f *fakeRuntime) initCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

type sent struct {
	req domain.StreamRequest
	reg relay.Registration
}

type fakeStreamer struct {
	mu         sync.Mutex
	sent       []sent
	sendErr    error
	connectErr error
	connects   int
	closed     bool
}

func (f *fakeStreamer) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeStreamer) Send(req domain.StreamRequest, reg relay.Registration) (*relay.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	reg.RequestID = req.RequestID
	f.sent = append(f.sent, sent{req: req, reg: reg})
	return &relay.Pending{Registration: reg}, nil
}

func (f *fakeStreamer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStreamer) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeStreamer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type shown struct {
	topic domain.Topic
	text  string
}

type recordingView struct {
	mu        sync.Mutex
	statuses  []Status
	users     []shown
	chunks    []string
	responses []shown
	errors    []string
	notices   []string
	loading   map[string]bool
	cleared   []domain.Topic
}

func newRecordingView() *recordingView {
	return &recordingView{loading: make(map[string]bool)}
}

func (v *recordingView) SetStatus(text string, status Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses = append(v.statuses, status)
}

func (v *recordingView) ShowUser(topic domain.Topic, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.users = append(v.users, shown{topic, text})
}

func (v *recordingView) ShowChunk(topic domain.Topic, requestID, chunk string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chunks = append(v.chunks, chunk)
}

func (v *recordingView) ShowResponse(topic domain.Topic, requestID, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = append(v.responses, shown{topic, text})
}

func (v *recordingView) ShowError(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errors = append(v.errors, msg)
}

func (v *recordingView) ShowNotice(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, msg)
}

func (v *recordingView) SetLoading(control string, loading bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading[control] = loading
}

func (v *recordingView) ClearTopic(topic domain.Topic) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cleared = append(v.cleared, topic)
}

func (v *recordingView) isLoading(control string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading[control]
}

func (v *recordingView) lastStatus() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statuses[len(v.statuses)-1]
}

func (v *recordingView) errorCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.errors)
}
