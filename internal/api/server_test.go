package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies [][]string
	err     error
}

func (l *scriptedLLM) Stream(context.Context, []conversation.Message) iter.Seq2[string, error] {
	l.mu.Lock()
	var deltas []string
	if len(l.replies) > 0 {
		deltas, l.replies = l.replies[0], l.replies[1:]
	}
	failure := l.err
	l.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, d := range deltas {
			if !yield(d, nil) {
				return
			}
		}
		if failure != nil {
			yield("", failure)
		}
	}
}

type memStore struct {
	mu      sync.Mutex
	docs    map[string]conversation.Conversation
	saveErr error
}

func (m *memStore) Save(_ context.Context, owner string, c conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.docs[owner+"/"+c.ID] = c
	return nil
}

func (m *memStore) LoadAll(context.Context, string) ([]conversation.Conversation, error) {
	return nil, nil
}

func (m *memStore) Delete(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, owner+"/"+id)
	return nil
}

type fakeSessions struct {
	mu      sync.Mutex
	stores  map[string]*conversation.Store
	llm     *scriptedLLM
	persist *memStore
	err     error
}

func (f *fakeSessions) Get(_ context.Context, owner string) (*conversation.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.stores[owner]
	if !ok {
		st = conversation.New(owner, f.llm, f.persist)
		f.stores[owner] = st
	}
	return st, nil
}

func newTestServer(replies ...[]string) (*Server, *fakeSessions) {
	sessions := &fakeSessions{
		stores:  make(map[string]*conversation.Store),
		llm:     &scriptedLLM{replies: replies},
		persist: &memStore{docs: make(map[string]conversation.Conversation)},
	}
	logger := slog.Default()
	return NewServer(8760, sessions, auth.NewAuthenticator(nil, logger), logger), sessions
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer()

	w := do(srv, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	do(srv, "GET", "/health", "")

	w := do(srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "parley_http_requests_total") {
		t.Error("expected parley_http_requests_total in metrics output")
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := newTestServer()

	w := do(srv, "GET", "/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSendMessage_StreamsReply(t *testing.T) {
	srv, _ := newTestServer([]string{"Hi", " there"})

	w := do(srv, "POST", "/api/v1/messages", `{"text":"Plan a trip"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	events := parseEvents(t, w.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].name != "delta" || events[0].data != `{"text":"Hi"}` {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[2].name != "message" {
		t.Fatalf("expected final message event, got %q", events[2].name)
	}
	var msg messageEvent
	if err := json.Unmarshal([]byte(events[2].data), &msg); err != nil {
		t.Fatalf("decode message event: %v", err)
	}
	if msg.Message.Content != "Hi there" || msg.Message.Role != conversation.RoleAssistant {
		t.Errorf("unexpected reply: %+v", msg.Message)
	}
	if msg.Title != "Plan a trip" {
		t.Errorf("expected title 'Plan a trip', got %q", msg.Title)
	}

	var list listResponse
	json.NewDecoder(do(srv, "GET", "/api/v1/conversations", "").Body).Decode(&list)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != msg.ConversationID {
		t.Fatalf("expected the conversation in the index, got %+v", list)
	}
	if list.Conversations[0].MessageCount != 2 {
		t.Errorf("expected 2 messages, got %d", list.Conversations[0].MessageCount)
	}
	if list.ActiveID != msg.ConversationID {
		t.Errorf("expected active id %s, got %s", msg.ConversationID, list.ActiveID)
	}
}

func TestSendMessage_BlankIsNoContent(t *testing.T) {
	srv, sessions := newTestServer()

	w := do(srv, "POST", "/api/v1/messages", `{"text":"   "}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	st, _ := sessions.Get(context.Background(), auth.DefaultOwner)
	if n := len(st.Transcript()); n != 0 {
		t.Errorf("expected empty transcript, got %d messages", n)
	}
}

func TestSendMessage_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer()

	w := do(srv, "POST", "/api/v1/messages", `{"text":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSendMessage_ProviderFailureShowsMarker(t *testing.T) {
	srv, sessions := newTestServer()
	sessions.llm.err = errors.New("rate limited")

	w := do(srv, "POST", "/api/v1/messages", `{"text":"hello"}`)
	events := parseEvents(t, w.Body.String())
	if len(events) != 1 || events[0].name != "message" {
		t.Fatalf("expected a single message event, got %+v", events)
	}
	if !strings.Contains(events[0].data, "rate limited") {
		t.Errorf("expected error marker in reply, got %s", events[0].data)
	}

	var list listResponse
	json.NewDecoder(do(srv, "GET", "/api/v1/conversations", "").Body).Decode(&list)
	if len(list.Conversations) != 0 {
		t.Errorf("failed draft should not be listed, got %+v", list.Conversations)
	}
}

func TestSendMessage_SaveFailureEmitsErrorEvent(t *testing.T) {
	srv, sessions := newTestServer([]string{"ok"})
	sessions.persist.saveErr = errors.New("disk full")

	w := do(srv, "POST", "/api/v1/messages", `{"text":"hello"}`)
	events := parseEvents(t, w.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected delta, message and error events, got %+v", events)
	}
	if events[2].name != "error" || !strings.Contains(events[2].data, "disk full") {
		t.Errorf("unexpected error event: %+v", events[2])
	}
}

func TestEditFlow(t *testing.T) {
	srv, _ := newTestServer([]string{"first"}, []string{"second"})
	do(srv, "POST", "/api/v1/messages", `{"text":"original"}`)

	if w := do(srv, "POST", "/api/v1/edit", `{"index":1}`); w.Code != http.StatusConflict {
		t.Errorf("editing an assistant message: expected 409, got %d", w.Code)
	}
	if w := do(srv, "POST", "/api/v1/edit", `{"index":5}`); w.Code != http.StatusConflict {
		t.Errorf("editing out of range: expected 409, got %d", w.Code)
	}
	if w := do(srv, "POST", "/api/v1/edit", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing index: expected 400, got %d", w.Code)
	}

	w := do(srv, "POST", "/api/v1/edit", `{"index":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var active activeResponse
	json.NewDecoder(w.Body).Decode(&active)
	if active.EditIndex == nil || *active.EditIndex != 0 {
		t.Errorf("expected edit_index 0, got %v", active.EditIndex)
	}

	w = do(srv, "POST", "/api/v1/edit/commit", `{"text":"rewritten"}`)
	events := parseEvents(t, w.Body.String())
	if len(events) == 0 || events[len(events)-1].name != "message" {
		t.Fatalf("expected message event, got %+v", events)
	}

	json.NewDecoder(do(srv, "GET", "/api/v1/conversations/active", "").Body).Decode(&active)
	if len(active.Messages) != 2 {
		t.Fatalf("expected 2 messages after edit, got %d", len(active.Messages))
	}
	if active.Messages[0].Content != "rewritten" || active.Messages[1].Content != "second" {
		t.Errorf("unexpected transcript: %+v", active.Messages)
	}
	if active.Title != "rewritten" {
		t.Errorf("expected title to follow the first message, got %q", active.Title)
	}
	if active.EditIndex != nil {
		t.Errorf("expected edit cursor cleared, got %d", *active.EditIndex)
	}
	if active.State != "persisted" {
		t.Errorf("expected persisted state, got %q", active.State)
	}
}

func TestCommitEdit_WithoutPendingEdit(t *testing.T) {
	srv, _ := newTestServer()

	w := do(srv, "POST", "/api/v1/edit/commit", `{"text":"x"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestCancelEdit(t *testing.T) {
	srv, _ := newTestServer([]string{"r"})
	do(srv, "POST", "/api/v1/messages", `{"text":"q"}`)
	do(srv, "POST", "/api/v1/edit", `{"index":0}`)

	if w := do(srv, "DELETE", "/api/v1/edit", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	var active activeResponse
	json.NewDecoder(do(srv, "GET", "/api/v1/conversations/active", "").Body).Decode(&active)
	if active.EditIndex != nil {
		t.Errorf("expected no edit cursor, got %d", *active.EditIndex)
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv, _ := newTestServer([]string{"a"}, []string{"b"})

	do(srv, "POST", "/api/v1/messages", `{"text":"first chat"}`)
	var first activeResponse
	json.NewDecoder(do(srv, "GET", "/api/v1/conversations/active", "").Body).Decode(&first)

	w := do(srv, "POST", "/api/v1/conversations", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	do(srv, "POST", "/api/v1/messages", `{"text":"second chat"}`)

	var list listResponse
	json.NewDecoder(do(srv, "GET", "/api/v1/conversations", "").Body).Decode(&list)
	if len(list.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list.Conversations))
	}
	if list.Conversations[0].Title != "second chat" {
		t.Errorf("expected newest first, got %q", list.Conversations[0].Title)
	}

	if w := do(srv, "PATCH", "/api/v1/conversations/"+first.ID, `{"title":"Renamed"}`); w.Code != http.StatusNoContent {
		t.Errorf("rename: expected 204, got %d", w.Code)
	}

	w = do(srv, "POST", "/api/v1/conversations/"+first.ID+"/load", "")
	if w.Code != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", w.Code)
	}
	var loaded activeResponse
	json.NewDecoder(w.Body).Decode(&loaded)
	if loaded.Title != "Renamed" || len(loaded.Messages) != 2 {
		t.Errorf("unexpected loaded conversation: %+v", loaded)
	}

	w = do(srv, "DELETE", "/api/v1/conversations/"+first.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	var deleted map[string]string
	json.NewDecoder(w.Body).Decode(&deleted)
	if deleted["active_id"] == first.ID {
		t.Error("deleting the active conversation should start a new one")
	}

	if w := do(srv, "POST", "/api/v1/conversations/"+first.ID+"/load", ""); w.Code != http.StatusNotFound {
		t.Errorf("load after delete: expected 404, got %d", w.Code)
	}
	if w := do(srv, "DELETE", "/api/v1/conversations/"+first.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	srv, _ := newTestServer([]string{"hi"})

	req := httptest.NewRequest("POST", "/api/v1/messages", strings.NewReader(`{"text":"alice's chat"}`))
	req.Header.Set(auth.OwnerHeader, "alice")
	srv.router.ServeHTTP(httptest.NewRecorder(), req)

	for owner, want := range map[string]int{"alice": 1, "bob": 0} {
		req := httptest.NewRequest("GET", "/api/v1/conversations", nil)
		req.Header.Set(auth.OwnerHeader, owner)
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)

		var list listResponse
		json.NewDecoder(w.Body).Decode(&list)
		if len(list.Conversations) != want {
			t.Errorf("%s: expected %d conversations, got %d", owner, want, len(list.Conversations))
		}
	}
}

func TestSessionsUnavailable(t *testing.T) {
	srv, sessions := newTestServer()
	sessions.err = fmt.Errorf("hydrate local: %w", errors.New("db down"))

	w := do(srv, "GET", "/api/v1/conversations", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

type rejectAll struct{}

func (rejectAll) Verify(string) (auth.Identity, error) {
	return auth.Identity{}, auth.ErrInvalidToken
}

func TestAuthRequiredWhenVerifierConfigured(t *testing.T) {
	sessions := &fakeSessions{stores: make(map[string]*conversation.Store), llm: &scriptedLLM{}, persist: &memStore{docs: map[string]conversation.Conversation{}}}
	srv := NewServer(8760, sessions, auth.NewAuthenticator(rejectAll{}, slog.Default()), slog.Default())

	if w := do(srv, "GET", "/api/v1/conversations", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w := do(srv, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should stay public, got %d", w.Code)
	}
}
