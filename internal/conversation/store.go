package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const noEdit = -1

// DeltaFunc receives reply fragments as they stream in.
type DeltaFunc func(delta string)

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithIDGenerator replaces the UUIDv7 conversation id generator.
func WithIDGenerator(next func() string) Option {
	return func(s *Store) { s.newID = next }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store owns one identity's conversations and its active transcript.
//
// Mutating operations are serialized by turn, which is held for the whole
// streaming phase of a completion. mu guards the fields below it so the
// read accessors stay available while a reply is streaming.
type Store struct {
	owner   string
	llm     CompletionStream
	persist Persistence
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time

	turn sync.Mutex

	mu     sync.RWMutex
	index  []Conversation
	active Conversation
	state  State
	cursor int
}

func New(owner string, llm CompletionStream, persist Persistence, opts ...Option) *Store {
	s := &Store{
		owner:   owner,
		llm:     llm,
		persist: persist,
		logger:  slog.Default(),
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
		now:     time.Now,
		cursor:  noEdit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.active = s.draft()
	return s
}

// Hydrate replaces the index with the owner's stored conversations, oldest first.
func (s *Store) Hydrate(ctx context.Context) error {
	convs, err := s.persist.LoadAll(ctx, s.owner)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	s.turn.Lock()
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = convs
	if i := s.indexOfLocked(s.active.ID); i >= 0 {
		s.active = s.index[i].Clone()
		s.state = StatePersisted
	}
	s.logger.Debug("conversations hydrated", "owner", s.owner, "count", len(convs))
	return nil
}

// StartNewConversation makes a fresh draft the active conversation.
func (s *Store) StartNewConversation() string {
	s.turn.Lock()
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	return s.active.ID
}

// AppendUserMessage adds a user turn. Blank text is ignored and reports false.
func (s *Store) AppendUserMessage(text string) bool {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.appendUser(text)
}

// RequestCompletion streams a reply to the active transcript and appends it
// as one assistant message. A failed stream still appends a message, holding
// ErrorMarker instead of the partial text. The returned error reports only
// unmet preconditions or a failed save.
func (s *Store) RequestCompletion(ctx context.Context, onDelta DeltaFunc) (Message, error) {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.complete(ctx, onDelta)
}

// Send appends text and requests a reply in one turn. ok is false when text
// is blank and nothing happened.
func (s *Store) Send(ctx context.Context, text string, onDelta DeltaFunc) (reply Message, ok bool, err error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	if !s.appendUser(text) {
		return Message{}, false, nil
	}
	reply, err = s.complete(ctx, onDelta)
	return reply, true, err
}

// BeginEdit points the edit cursor at a user message, replacing any pending edit.
func (s *Store) BeginEdit(index int) error {
	s.turn.Lock()
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.active.Messages) {
		return fmt.Errorf("%w: %d", ErrEditIndexOutOfRange, index)
	}
	if role := s.active.Messages[index].Role; role != RoleUser {
		return fmt.Errorf("%w: message %d has role %s", ErrNotUserMessage, index, role)
	}
	s.cursor = index
	return nil
}

// CommitEdit rewrites the message under the edit cursor, drops everything
// after it and replays the conversation from there. ok is false when text is
// blank; the pending edit is then kept.
func (s *Store) CommitEdit(ctx context.Context, text string, onDelta DeltaFunc) (reply Message, ok bool, err error) {
	s.turn.Lock()
	defer s.turn.Unlock()

	s.mu.Lock()
	i := s.cursor
	if i == noEdit || i >= len(s.active.Messages) {
		s.cursor = noEdit
		s.mu.Unlock()
		return Message{}, false, ErrNoPendingEdit
	}
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return Message{}, false, nil
	}
	s.active.Messages = s.active.Messages[:i+1]
	s.active.Messages[i] = Message{Role: RoleUser, Content: text}
	if i == 0 {
		s.active.Title = Title(text)
	}
	s.active.UpdatedAt = s.now()
	s.cursor = noEdit
	s.mu.Unlock()

	s.logger.Debug("edit committed", "owner", s.owner, "conversation", s.ActiveID(), "index", i)

	reply, err = s.complete(ctx, onDelta)
	return reply, true, err
}

func (s *Store) CancelEdit() {
	s.turn.Lock()
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = noEdit
}

// DeleteConversation removes a conversation from the index and from storage.
// Deleting the active conversation starts a new draft. Storage errors are
// returned after memory has already been updated.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.turn.Lock()
	defer s.turn.Unlock()

	s.mu.Lock()
	i := s.indexOfLocked(id)
	isActive := s.active.ID == id
	if i < 0 && !isActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if i >= 0 {
		s.index = slices.Delete(s.index, i, i+1)
	}
	if isActive {
		s.resetLocked()
	}
	s.mu.Unlock()

	if i < 0 {
		return nil
	}
	if err := s.persist.Delete(ctx, s.owner, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	s.logger.Info("conversation deleted", "owner", s.owner, "conversation", id)
	return nil
}

// LoadConversation makes a stored conversation active. An unsaved draft is
// discarded.
func (s *Store) LoadConversation(id string) error {
	s.turn.Lock()
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	s.active = s.index[i].Clone()
	s.state = StatePersisted
	s.cursor = noEdit
	return nil
}

// RenameConversation sets an explicit title. Blank titles are ignored.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)

	s.turn.Lock()
	defer s.turn.Unlock()

	s.mu.Lock()
	i := s.indexOfLocked(id)
	isActive := s.active.ID == id
	if i < 0 && !isActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if title == "" {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	if isActive {
		s.active.Title = title
		s.active.UpdatedAt = now
	}
	var snapshot Conversation
	if i >= 0 {
		s.index[i].Title = title
		s.index[i].UpdatedAt = now
		snapshot = s.index[i].Clone()
	}
	s.mu.Unlock()

	if i < 0 {
		return nil
	}
	if err := s.persist.Save(context.WithoutCancel(ctx), s.owner, snapshot); err != nil {
		return fmt.Errorf("save conversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) Owner() string { return s.owner }

// Busy reports whether a command is running, including a streaming reply.
func (s *Store) Busy() bool {
	if s.turn.TryLock() {
		s.turn.Unlock()
		return false
	}
	return true
}

func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.ID
}

// Active returns a copy of the active conversation.
func (s *Store) Active() Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Clone()
}

func (s *Store) Transcript() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.active.Messages)
}

// Index returns copies of the known conversations in creation order.
func (s *Store) Index() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.index))
	for i, c := range s.index {
		out[i] = c.Clone()
	}
	return out
}

func (s *Store) EditCursor() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, s.cursor != noEdit
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) appendUser(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active.Messages) == 0 {
		s.active.Title = Title(text)
	}
	s.active.Messages = append(s.active.Messages, Message{Role: RoleUser, Content: text})
	s.active.UpdatedAt = s.now()
	return true
}

func (s *Store) complete(ctx context.Context, onDelta DeltaFunc) (Message, error) {
	s.mu.RLock()
	id := s.active.ID
	transcript := slices.Clone(s.active.Messages)
	s.mu.RUnlock()

	if len(transcript) == 0 || transcript[len(transcript)-1].Role != RoleUser {
		return Message{}, ErrNotAwaitingReply
	}

	reply, streamErr := s.stream(ctx, id, transcript, onDelta)

	s.mu.Lock()
	s.active.Messages = append(s.active.Messages, reply)
	s.active.UpdatedAt = s.now()
	// Drafts are promoted only by a successful reply; persisted
	// conversations are saved either way so storage matches the transcript.
	save := streamErr == nil || s.state == StatePersisted
	if save {
		s.promoteLocked()
	}
	snapshot := s.active.Clone()
	s.mu.Unlock()

	if !save {
		return reply, nil
	}
	if err := s.persist.Save(context.WithoutCancel(ctx), s.owner, snapshot); err != nil {
		return reply, fmt.Errorf("save conversation %s: %w", snapshot.ID, err)
	}
	return reply, nil
}

func (s *Store) stream(ctx context.Context, id string, transcript []Message, onDelta DeltaFunc) (Message, error) {
	var b strings.Builder
	for delta, err := range s.llm.Stream(ctx, transcript) {
		if err != nil {
			s.logger.Warn("completion failed",
				"owner", s.owner,
				"conversation", id,
				"discarded_len", b.Len(),
				"error", err,
			)
			return Message{Role: RoleAssistant, Content: ErrorMarker(err)}, err
		}
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	return Message{Role: RoleAssistant, Content: b.String()}, nil
}

func (s *Store) promoteLocked() {
	if s.state == StateDraft {
		s.index = append(s.index, s.active.Clone())
		s.state = StatePersisted
		s.logger.Info("conversation persisted", "owner", s.owner, "conversation", s.active.ID, "title", s.active.Title)
		return
	}
	if i := s.indexOfLocked(s.active.ID); i >= 0 {
		s.index[i] = s.active.Clone()
		return
	}
	s.index = append(s.index, s.active.Clone())
}

func (s *Store) resetLocked() {
	s.active = s.draft()
	s.state = StateDraft
	s.cursor = noEdit
}

func (s *Store) draft() Conversation {
	now := s.now()
	return Conversation{ID: s.newID(), Title: DefaultTitle, CreatedAt: now, UpdatedAt: now}
}

func (s *Store) indexOfLocked(id string) int {
	return slices.IndexFunc(s.index, func(c Conversation) bool { return c.ID == id })
}
