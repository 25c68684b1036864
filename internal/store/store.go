// Package store owns the persisted conversation transcripts of both topics.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/security"
)

// Record keys.
const (
	StateKey  = "conversations"
	LegacyKey = "conversationHistory"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrAlreadyFinalized     = errors.New("message response already finalized")
)

// Option configures a ConversationStore.
type Option func(*ConversationStore)

// WithEncryptor seals the persisted record.
func WithEncryptor(e *security.Encryptor) Option {
	return func(s *ConversationStore) { s.enc = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ConversationStore) { s.now = now }
}

// ConversationStore keeps one ConversationSet per topic in memory and
// writes the whole state back on Persist.
type ConversationStore struct {
	repo domain.StateRepository
	enc  *security.Encryptor
	now  func() time.Time

	mu    sync.Mutex
	state domain.State

	// serializes writes so an older snapshot never lands last
	persistMu     sync.Mutex
	legacyPending bool
}

// New creates a store over repo.
func New(repo domain.StateRepository, opts ...Option) *ConversationStore {
	s := &ConversationStore{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted state, migrating the legacy format when that is
// all there is, and makes sure each topic has an active conversation. On a
// read failure the store starts fresh and the error is returned.
func (s *ConversationStore) Load(ctx context.Context) (domain.State, error) {
	state, migrated, loadErr := s.read(ctx)

	s.mu.Lock()
	s.state = state
	for _, topic := range domain.Topics {
		s.ensureActive(topic)
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	if migrated {
		s.persistMu.Lock()
		s.legacyPending = true
		s.persistMu.Unlock()
		log.Info().Msg("Migrating legacy conversation history")
		s.Persist(ctx)
	}

	return snapshot, loadErr
}

func (s *ConversationStore) read(ctx context.Context) (domain.State, bool, error) {
	var state domain.State

	data, err := s.repo.Get(ctx, StateKey)
	switch {
	case err == nil:
		if err := s.decode(data, &state); err != nil {
			return domain.State{}, false, domain.WrapError(domain.ErrPersistenceFailed,
				"Saved conversations could not be read and were reset.", err)
		}
		return state, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.State{}, false, domain.WrapError(domain.ErrPersistenceFailed,
			"Saved conversations could not be loaded. History will not include earlier chats.", err)
	}

	data, err = s.repo.Get(ctx, LegacyKey)
	if errors.Is(err, domain.ErrNotFound) {
		return state, false, nil
	}
	if err != nil {
		return state, false, domain.WrapError(domain.ErrPersistenceFailed,
			"Legacy history could not be loaded.", err)
	}

	var legacy domain.LegacyHistory
	if err := json.Unmarshal(data, &legacy); err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable legacy history")
		return state, false, nil
	}
	return s.migrate(legacy), true, nil
}

func (s *ConversationStore) migrate(legacy domain.LegacyHistory) domain.State {
	var state domain.State
	for _, topic := range domain.Topics {
		msgs := legacy.Messages(topic)
		if len(msgs) == 0 {
			continue
		}

		conv := domain.NewConversation(s.now())
		for _, m := range msgs {
			m.Complete = true
			conv.Messages = append(conv.Messages, m)
		}
		if first := msgs[0].Timestamp; !first.IsZero() {
			conv.CreatedAt = first
		}
		if last := msgs[len(msgs)-1].Timestamp; !last.IsZero() {
			conv.UpdatedAt = last
		}

		set := state.Set(topic)
		set.List = append(set.List, conv)
		set.Active = conv.ID
	}
	return state
}

func (s *ConversationStore) decode(data []byte, v any) error {
	if s.enc != nil && !looksLikeJSON(data) {
		return s.enc.DecryptJSON(data, v)
	}
	return json.Unmarshal(data, v)
}

func (s *ConversationStore) encode(v any) ([]byte, error) {
	if s.enc != nil {
		return s.enc.EncryptJSON(v)
	}
	return json.Marshal(v)
}

func looksLikeJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{'
}

// ensureActive guarantees topic has a valid active conversation. A
// dangling pointer moves to the most recently updated conversation.
// Caller holds mu.
func (s *ConversationStore) ensureActive(topic domain.Topic) *domain.Conversation {
	set := s.state.Set(topic)
	if c := set.ActiveConversation(); c != nil {
		return c
	}

	if len(set.List) == 0 {
		conv := domain.NewConversation(s.now())
		set.List = append(set.List, conv)
		set.Active = conv.ID
		return &set.List[len(set.List)-1]
	}

	latest := 0
	for i := range set.List {
		if set.List[i].UpdatedAt.After(set.List[latest].UpdatedAt) {
			latest = i
		}
	}
	if set.Active != "" {
		log.Warn().Str("topic", string(topic)).Str("conversation_id", set.Active).Msg("Active conversation missing, repairing")
	}
	set.Active = set.List[latest].ID
	return &set.List[latest]
}

// CreateConversation appends an empty conversation and makes it active.
func (s *ConversationStore) CreateConversation(topic domain.Topic) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := domain.NewConversation(s.now())
	set := s.state.Set(topic)
	set.List = append(set.List, conv)
	set.Active = conv.ID
	return conv.ID
}

// GetActive returns a copy of the active conversation of topic.
func (s *ConversationStore) GetActive(topic domain.Topic) (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.state.Set(topic).ActiveConversation()
	if c == nil {
		return domain.Conversation{}, false
	}
	return copyConversation(*c), true
}

// AppendMessage adds msg to the active conversation of topic and returns
// the conversation id and the message id.
func (s *ConversationStore) AppendMessage(topic domain.Topic, msg domain.Message) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.ID == "" {
		msg.ID = domain.NewMessageID()
	}
	msg.Complete = false
	conv := s.ensureActive(topic)
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now
	return conv.ID, msg.ID
}

// FinalizeResponse commits text as the response of message index in the
// active conversation of topic.
func (s *ConversationStore) FinalizeResponse(topic domain.Topic, index int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.state.Set(topic).ActiveConversation()
	if conv == nil {
		return ErrConversationNotFound
	}
	if index < 0 || index >= len(conv.Messages) {
		return fmt.Errorf("%w: index %d", ErrMessageNotFound, index)
	}
	return s.finalize(conv, index, text)
}

// FinalizeConversationResponse commits text into message messageID of the
// conversation that issued the request, whether or not it is still active.
// A message removed by Clear is reported as ErrMessageNotFound.
func (s *ConversationStore) FinalizeConversationResponse(topic domain.Topic, conversationID, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.state.Set(topic)
	i := set.Find(conversationID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	conv := &set.List[i]
	for j := range conv.Messages {
		if messageID != "" && conv.Messages[j].ID == messageID {
			return s.finalize(conv, j, text)
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

// Caller holds mu and has bounds-checked index.
func (s *ConversationStore) finalize(conv *domain.Conversation, index int, text string) error {
	msg := &conv.Messages[index]
	if msg.Finalized() {
		return ErrAlreadyFinalized
	}

	now := s.now()
	msg.Response = text
	msg.Complete = true
	msg.Timestamp = now
	conv.UpdatedAt = now
	return nil
}

// Clear empties the active conversation of topic and persists.
func (s *ConversationStore) Clear(ctx context.Context, topic domain.Topic) {
	s.mu.Lock()
	conv := s.ensureActive(topic)
	conv.Messages = []domain.Message{}
	conv.UpdatedAt = s.now()
	s.mu.Unlock()

	s.Persist(ctx)
}

// StartNew creates and activates a new conversation, then persists.
func (s *ConversationStore) StartNew(ctx context.Context, topic domain.Topic) string {
	id := s.CreateConversation(topic)
	s.Persist(ctx)
	return id
}

// SetActive switches topic to an existing conversation and persists.
func (s *ConversationStore) SetActive(ctx context.Context, topic domain.Topic, id string) error {
	s.mu.Lock()
	set := s.state.Set(topic)
	if set.Find(id) < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	set.Active = id
	s.mu.Unlock()

	s.Persist(ctx)
	return nil
}

// Conversations lists the conversations of topic, most recently updated
// first.
func (s *ConversationStore) Conversations(topic domain.Topic) []domain.Conversation {
	s.mu.Lock()
	list := make([]domain.Conversation, 0, len(s.state.Set(topic).List))
	for _, c := range s.state.Set(topic).List {
		list = append(list, copyConversation(c))
	}
	s.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list
}

// Snapshot returns a deep copy of the whole state.
func (s *ConversationStore) Snapshot() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *ConversationStore) snapshot() domain.State {
	var out domain.State
	for _, topic := range domain.Topics {
		src := s.state.Set(topic)
		dst := out.Set(topic)
		dst.Active = src.Active
		dst.List = make([]domain.Conversation, 0, len(src.List))
		for _, c := range src.List {
			dst.List = append(dst.List, copyConversation(c))
		}
	}
	return out
}

// Persist writes the whole state. Failures are logged and never returned.
func (s *ConversationStore) Persist(ctx context.Context) {
	if err := s.persist(ctx); err != nil {
		log.Error().Err(err).Str("kind", string(domain.ErrPersistenceFailed)).Msg("Failed to persist conversations")
	}
}

func (s *ConversationStore) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	state := s.Snapshot()
	data, err := s.encode(state)
	if err != nil {
		return fmt.Errorf("failed to encode conversations: %w", err)
	}
	if err := s.repo.Set(ctx, StateKey, data); err != nil {
		return err
	}

	if s.legacyPending {
		if err := s.repo.Delete(ctx, LegacyKey); err != nil {
			log.Warn().Err(err).Msg("Failed to remove legacy history")
			return nil
		}
		s.legacyPending = false
		log.Info().Msg("Legacy conversation history migrated")
	}
	return nil
}

func copyConversation(c domain.Conversation) domain.Conversation {
	msgs := make([]domain.Message, len(c.Messages))
	copy(msgs, c.Messages)
	c.Messages = msgs
	return c
}
