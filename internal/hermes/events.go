package hermes

import "time"

const (
	SubjectConversationSaved   = "parley.conversation.saved"
	SubjectConversationDeleted = "parley.conversation.deleted"
	SubjectCompletionFailed    = "parley.completion.failed"
)

// ConversationSaved is emitted after a conversation document is written.
type ConversationSaved struct {
	Owner          string    `json:"owner"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	MessageCount   int       `json:"message_count"`
	At             time.Time `json:"at"`
}

type ConversationDeleted struct {
	Owner          string    `json:"owner"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
}

// CompletionFailed is emitted when a provider stream ends with an error.
// Partial is the text received before the failure.
type CompletionFailed struct {
	Owner    string    `json:"owner"`
	Provider string    `json:"provider"`
	Error    string    `json:"error"`
	Partial  string    `json:"partial,omitempty"`
	At       time.Time `json:"at"`
}
