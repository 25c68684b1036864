package domain

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Topic selects one of the independent conversation scopes.
type Topic string

const (
	TopicPrompt Topic = "prompt"
	TopicPage   Topic = "page"
)

// Topics lists every topic in persistence order.
var Topics = []Topic{TopicPrompt, TopicPage}

func (t Topic) Valid() bool {
	return t == TopicPrompt || t == TopicPage
}

// Message types used by the page topic.
const (
	MessageTypeSummarize = "summarize"
	MessageTypeQuestion  = "question"
)

// Message is one prompt/response exchange. Response stays empty until the
// stream that produced it completes. ID names the message for that stream;
// Complete is set once, even when the committed response is empty.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Type      string    `json:"type,omitempty"`
	Complete  bool      `json:"complete,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Finalized reports whether the response has been committed.
func (m Message) Finalized() bool {
	return m.Complete
}

// NewMessageID returns a unique message id.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// Conversation is an ordered thread of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewConversation returns an empty conversation with a fresh id.
func NewConversation(now time.Time) Conversation {
	return Conversation{
		ID:        NewConversationID(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewConversationID returns a sortable, unique conversation id.
func NewConversationID() string {
	return "conv_" + ulid.Make().String()
}

// ConversationSet holds the threads of one topic and the active pointer.
// An empty Active serializes as null.
type ConversationSet struct {
	Active string
	List   []Conversation
}

type conversationSetJSON struct {
	Active *string        `json:"active"`
	List   []Conversation `json:"list"`
}

func (s ConversationSet) MarshalJSON() ([]byte, error) {
	out := conversationSetJSON{List: s.List}
	if out.List == nil {
		out.List = []Conversation{}
	}
	if s.Active != "" {
		active := s.Active
		out.Active = &active
	}
	return json.Marshal(out)
}

func (s *ConversationSet) UnmarshalJSON(data []byte) error {
	var in conversationSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.List = in.List
	s.Active = ""
	if in.Active != nil {
		s.Active = *in.Active
	}
	return nil
}

// Find returns the index of the conversation with the given id, or -1.
func (s *ConversationSet) Find(id string) int {
	for i := range s.List {
		if s.List[i].ID == id {
			return i
		}
	}
	return -1
}

// ActiveConversation returns a pointer into List, or nil when the active
// pointer is unset or dangling.
func (s *ConversationSet) ActiveConversation() *Conversation {
	if s.Active == "" {
		return nil
	}
	if i := s.Find(s.Active); i >= 0 {
		return &s.List[i]
	}
	return nil
}

// State is the persisted record: one ConversationSet per topic.
type State struct {
	Prompt ConversationSet `json:"prompt"`
	Page   ConversationSet `json:"page"`
}

// Set returns the conversation set for a topic.
func (s *State) Set(topic Topic) *ConversationSet {
	if topic == TopicPage {
		return &s.Page
	}
	return &s.Prompt
}

// LegacyHistory is the earlier flat format: one message array per topic.
type LegacyHistory struct {
	Prompt []Message `json:"prompt"`
	Page   []Message `json:"page"`
}

func (h LegacyHistory) Messages(topic Topic) []Message {
	if topic == TopicPage {
		return h.Page
	}
	return h.Prompt
}
