package conversation

import (
	"context"
	"iter"
	"slices"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is a transcript with a stable identity and a display title.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no message storage with c.
func (c Conversation) Clone() Conversation {
	c.Messages = slices.Clone(c.Messages)
	return c
}

// CompletionStream produces a model reply for a transcript as ordered text
// fragments. The sequence is lazy, finite and can be ranged over once; an
// error ends it.
type CompletionStream interface {
	Stream(ctx context.Context, transcript []Message) iter.Seq2[string, error]
}

// Persistence stores conversations per owner identity.
type Persistence interface {
	Save(ctx context.Context, owner string, c Conversation) error
	LoadAll(ctx context.Context, owner string) ([]Conversation, error)
	Delete(ctx context.Context, owner, id string) error
}

// State of the active conversation.
type State int

const (
	StateDraft State = iota
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StatePersisted:
		return "persisted"
	default:
		return "draft"
	}
}
