package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

type conversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type listResponse struct {
	ActiveID      string                `json:"active_id"`
	Conversations []conversationSummary `json:"conversations"`
}

type activeResponse struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	State     string                 `json:"state"`
	Messages  []conversation.Message `json:"messages"`
	EditIndex *int                   `json:"edit_index"`
}

type renameRequest struct {
	Title string `json:"title" validate:"max=200"`
}

type editRequest struct {
	Index *int `json:"index" validate:"required,min=0"`
}

// listConversations returns the index newest first, the order the sidebar shows.
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	index := st.Index()
	slices.Reverse(index)

	resp := listResponse{ActiveID: st.ActiveID(), Conversations: make([]conversationSummary, len(index))}
	for i, c := range index {
		resp.Conversations[i] = conversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: len(c.Messages),
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": st.StartNewConversation()})
}

func (s *Server) activeConversation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, activeView(st))
}

func (s *Server) loadConversation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	if err := st.LoadConversation(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, activeView(st))
}

func (s *Server) renameConversation(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := st.RenameConversation(r.Context(), chi.URLParam(r, "id"), req.Title); err != nil {
		s.commandFailed(w, st, "rename conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	if err := st.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.commandFailed(w, st, "delete conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_id": st.ActiveID()})
}

func (s *Server) beginEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	if err := st.BeginEdit(*req.Index); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, activeView(st))
}

func (s *Server) cancelEdit(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	st.CancelEdit()
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) commandFailed(w http.ResponseWriter, st *conversation.Store, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "owner", st.Owner(), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func activeView(st *conversation.Store) activeResponse {
	c := st.Active()
	resp := activeResponse{
		ID:       c.ID,
		Title:    c.Title,
		State:    st.State().String(),
		Messages: c.Messages,
	}
	if resp.Messages == nil {
		resp.Messages = []conversation.Message{}
	}
	if i, ok := st.EditCursor(); ok {
		resp.EditIndex = &i
	}
	return resp
}
