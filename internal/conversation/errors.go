package conversation

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEditIndexOutOfRange  = errors.New("edit index out of range")
	ErrNotUserMessage       = errors.New("only user messages can be edited")
	ErrNoPendingEdit        = errors.New("no edit in progress")
	ErrNotAwaitingReply     = errors.New("transcript does not end with a user message")
)
