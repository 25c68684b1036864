package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/repository/memory"
	"github.com/Rrens/pagemind/internal/security"
)

var errWrite = errors.New("disk full")

// flakyRepo fails writes while failing is set.
type flakyRepo struct {
	*memory.Repository
	failing bool
	deletes int
}

func (r *flakyRepo) Set(ctx context.Context, key string, value []byte) error {
	if r.failing {
		return errWrite
	}
	return r.Repository.Set(ctx, key, value)
}

func (r *flakyRepo) Delete(ctx context.Context, key string) error {
	r.deletes++
	return r.Repository.Delete(ctx, key)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestLoad_Fresh(t *testing.T) {
	s := New(memory.New(), WithClock(newClock().now))

	state, err := s.Load(context.Background())
	require.NoError(t, err)

	for _, topic := range domain.Topics {
		set := state.Set(topic)
		require.Len(t, set.List, 1)
		assert.Equal(t, set.List[0].ID, set.Active)
		assert.Empty(t, set.List[0].Messages)
	}
	assert.NotEqual(t, state.Prompt.Active, state.Page.Active)
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	clk := newClock()

	s := New(repo, WithClock(clk.now))
	_, err := s.Load(ctx)
	require.NoError(t, err)

	convID, msgID := s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "hi"})
	require.NoError(t, s.FinalizeConversationResponse(domain.TopicPrompt, convID, msgID, "hello"))
	s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "second"})
	s.CreateConversation(domain.TopicPage)
	s.AppendMessage(domain.TopicPage, domain.Message{Prompt: "Summarize page", Type: domain.MessageTypeSummarize})
	s.Persist(ctx)

	want := s.Snapshot()

	reloaded := New(repo, WithClock(clk.now))
	got, err := reloaded.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Len(t, got.Page.List, 2)
	assert.Equal(t, "Summarize page", got.Page.ActiveConversation().Messages[0].Prompt)
	assert.Equal(t, []string{"hi", "second"}, []string{
		got.Prompt.List[0].Messages[0].Prompt,
		got.Prompt.List[0].Messages[1].Prompt,
	})
}

func TestLoad_MigratesLegacy(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: memory.New()}
	require.NoError(t, repo.Set(ctx, LegacyKey, []byte(`{"prompt":[{"prompt":"a","response":"b"}]}`)))

	s := New(repo, WithClock(newClock().now))
	state, err := s.Load(ctx)
	require.NoError(t, err)

	require.Len(t, state.Prompt.List, 1)
	conv := state.Prompt.ActiveConversation()
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "a", conv.Messages[0].Prompt)
	assert.Equal(t, "b", conv.Messages[0].Response)
	assert.True(t, conv.Messages[0].Finalized())

	// empty legacy topic gets a fresh conversation
	require.Len(t, state.Page.List, 1)
	assert.Empty(t, state.Page.List[0].Messages)

	_, err = repo.Get(ctx, LegacyKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	data, err := repo.Get(ctx, StateKey)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "prompt")
	assert.Contains(t, raw, "page")

	// a second load does not migrate again
	again, err := New(repo).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, again)
	assert.Equal(t, 1, repo.deletes)
}

func TestLoad_LegacyDeletedOnlyAfterSuccessfulPersist(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: memory.New()}
	require.NoError(t, repo.Set(ctx, LegacyKey, []byte(`{"page":[{"prompt":"q","response":"r","type":"question"}]}`)))
	repo.failing = true

	s := New(repo)
	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "question", state.Page.ActiveConversation().Messages[0].Type)

	_, err = repo.Get(ctx, LegacyKey)
	assert.NoError(t, err, "legacy record must survive a failed persist")

	repo.failing = false
	s.Persist(ctx)

	_, err = repo.Get(ctx, LegacyKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoad_RepairsDanglingActive(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	older := domain.Conversation{ID: "conv_old", Messages: []domain.Message{}, UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := domain.Conversation{ID: "conv_new", Messages: []domain.Message{}, UpdatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	state := domain.State{Prompt: domain.ConversationSet{Active: "conv_gone", List: []domain.Conversation{older, newer}}}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, repo.Set(ctx, StateKey, data))

	loaded, err := New(repo).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conv_new", loaded.Prompt.Active)
	require.Len(t, loaded.Page.List, 1)
	assert.Equal(t, loaded.Page.List[0].ID, loaded.Page.Active)
}

func TestLoad_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	require.NoError(t, repo.Set(ctx, StateKey, []byte("{not json")))

	state, err := New(repo).Load(ctx)
	assert.Equal(t, domain.ErrPersistenceFailed, domain.KindOf(err))
	assert.Len(t, state.Prompt.List, 1)
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(), WithClock(newClock().now))
	_, err := s.Load(ctx)
	require.NoError(t, err)

	convID, msgID := s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "p"})
	assert.NotEmpty(t, msgID)
	idx := 0
	before, _ := s.GetActive(domain.TopicPrompt)

	require.NoError(t, s.FinalizeResponse(domain.TopicPrompt, idx, "done"))
	after, ok := s.GetActive(domain.TopicPrompt)
	require.True(t, ok)
	assert.Equal(t, "done", after.Messages[idx].Response)
	assert.True(t, after.Messages[idx].Timestamp.After(before.Messages[idx].Timestamp))
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	assert.ErrorIs(t, s.FinalizeResponse(domain.TopicPrompt, idx, "again"), ErrAlreadyFinalized)
	assert.ErrorIs(t, s.FinalizeResponse(domain.TopicPrompt, 5, "x"), ErrMessageNotFound)
	assert.ErrorIs(t, s.FinalizeConversationResponse(domain.TopicPrompt, "conv_missing", msgID, "x"), ErrConversationNotFound)
	assert.ErrorIs(t, s.FinalizeConversationResponse(domain.TopicPrompt, convID, msgID, "x"), ErrAlreadyFinalized)
	assert.ErrorIs(t, s.FinalizeConversationResponse(domain.TopicPrompt, convID, "msg_missing", "x"), ErrMessageNotFound)

	got, _ := s.GetActive(domain.TopicPrompt)
	assert.Equal(t, "done", got.Messages[idx].Response)
	assert.Equal(t, convID, got.ID)
}

func TestFinalize_AfterSwitchingConversation(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	_, err := s.Load(ctx)
	require.NoError(t, err)

	convID, msgID := s.AppendMessage(domain.TopicPage, domain.Message{Prompt: "question"})
	newID := s.StartNew(ctx, domain.TopicPage)
	require.NotEqual(t, convID, newID)

	require.NoError(t, s.FinalizeConversationResponse(domain.TopicPage, convID, msgID, "answer"))

	active, _ := s.GetActive(domain.TopicPage)
	assert.Equal(t, newID, active.ID)
	assert.Empty(t, active.Messages)

	for _, c := range s.Conversations(domain.TopicPage) {
		if c.ID == convID {
			assert.Equal(t, "answer", c.Messages[0].Response)
		}
	}
}

func TestFinalize_ClearedMessageIsNotReused(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	_, err := s.Load(ctx)
	require.NoError(t, err)

	convID, staleID := s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "first"})
	s.Clear(ctx, domain.TopicPrompt)
	sameConv, freshID := s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "second"})
	require.Equal(t, convID, sameConv)
	require.NotEqual(t, staleID, freshID)

	err = s.FinalizeConversationResponse(domain.TopicPrompt, convID, staleID, "answer to first")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	require.NoError(t, s.FinalizeConversationResponse(domain.TopicPrompt, convID, freshID, "answer to second"))

	active, _ := s.GetActive(domain.TopicPrompt)
	require.Len(t, active.Messages, 1)
	assert.Equal(t, "second", active.Messages[0].Prompt)
	assert.Equal(t, "answer to second", active.Messages[0].Response)
}

func TestFinalize_EmptyResponseIsFinal(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	_, err := s.Load(ctx)
	require.NoError(t, err)

	convID, msgID := s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "silence"})
	require.NoError(t, s.FinalizeConversationResponse(domain.TopicPrompt, convID, msgID, ""))
	assert.ErrorIs(t, s.FinalizeConversationResponse(domain.TopicPrompt, convID, msgID, "late"), ErrAlreadyFinalized)
	assert.ErrorIs(t, s.FinalizeResponse(domain.TopicPrompt, 0, "late"), ErrAlreadyFinalized)

	active, _ := s.GetActive(domain.TopicPrompt)
	assert.True(t, active.Messages[0].Finalized())
	assert.Empty(t, active.Messages[0].Response)
}

func TestClearAndStartNew(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	s := New(repo, WithClock(newClock().now))
	_, err := s.Load(ctx)
	require.NoError(t, err)

	first, _ := s.GetActive(domain.TopicPrompt)
	s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "x"})
	s.Clear(ctx, domain.TopicPrompt)

	cleared, _ := s.GetActive(domain.TopicPrompt)
	assert.Equal(t, first.ID, cleared.ID)
	assert.Empty(t, cleared.Messages)

	id := s.StartNew(ctx, domain.TopicPrompt)
	list := s.Conversations(domain.TopicPrompt)
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID, "newest first")

	reloaded, err := New(repo).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, reloaded.Prompt.Active)

	require.NoError(t, s.SetActive(ctx, domain.TopicPrompt, first.ID))
	active, _ := s.GetActive(domain.TopicPrompt)
	assert.Equal(t, first.ID, active.ID)
	assert.ErrorIs(t, s.SetActive(ctx, domain.TopicPrompt, "conv_nope"), ErrConversationNotFound)
}

func TestPersist_FailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: memory.New(), failing: true}
	s := New(repo)
	_, err := s.Load(ctx)
	require.NoError(t, err)

	s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "still usable"})
	assert.NotPanics(t, func() { s.Persist(ctx) })

	active, ok := s.GetActive(domain.TopicPrompt)
	require.True(t, ok)
	assert.Equal(t, "still usable", active.Messages[0].Prompt)
}

func TestSnapshot_IsCopy(t *testing.T) {
	s := New(memory.New())
	_, err := s.Load(context.Background())
	require.NoError(t, err)

	s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "original"})
	snap := s.Snapshot()
	snap.Prompt.List[0].Messages[0].Prompt = "mutated"

	active, _ := s.GetActive(domain.TopicPrompt)
	assert.Equal(t, "original", active.Messages[0].Prompt)
}

func TestEncryptedPersistence(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	enc, err := security.NewEncryptorFromSecret("s3cret")
	require.NoError(t, err)

	s := New(repo, WithEncryptor(enc))
	_, err = s.Load(ctx)
	require.NoError(t, err)
	s.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "private"})
	s.Persist(ctx)

	data, err := repo.Get(ctx, StateKey)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "private")

	state, err := New(repo, WithEncryptor(enc)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "private", state.Prompt.ActiveConversation().Messages[0].Prompt)
}

func TestEncryptedStore_ReadsPlaintextRecord(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	plain := New(repo)
	_, err := plain.Load(ctx)
	require.NoError(t, err)
	plain.AppendMessage(domain.TopicPrompt, domain.Message{Prompt: "before encryption"})
	plain.Persist(ctx)

	enc, err := security.NewEncryptorFromSecret("later")
	require.NoError(t, err)
	state, err := New(repo, WithEncryptor(enc)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "before encryption", state.Prompt.ActiveConversation().Messages[0].Prompt)
}
