package api

import (
	"context"
	"net/http"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

type textRequest struct {
	Text string `json:"text" validate:"max=32000"`
}

type deltaEvent struct {
	Text string `json:"text"`
}

type messageEvent struct {
	ConversationID string               `json:"conversation_id"`
	Title          string               `json:"title"`
	Message        conversation.Message `json:"message"`
}

// sendMessage appends the user's text and streams the reply.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	s.streamCommand(w, r, func(ctx context.Context, st *conversation.Store, text string, onDelta conversation.DeltaFunc) (conversation.Message, bool, error) {
		return st.Send(ctx, text, onDelta)
	})
}

// commitEdit rewrites the message under the edit cursor and streams the new reply.
func (s *Server) commitEdit(w http.ResponseWriter, r *http.Request) {
	s.streamCommand(w, r, func(ctx context.Context, st *conversation.Store, text string, onDelta conversation.DeltaFunc) (conversation.Message, bool, error) {
		return st.CommitEdit(ctx, text, onDelta)
	})
}

type streamFunc func(ctx context.Context, st *conversation.Store, text string, onDelta conversation.DeltaFunc) (conversation.Message, bool, error)

func (s *Server) streamCommand(w http.ResponseWriter, r *http.Request, run streamFunc) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The reply is recorded even if the client disconnects mid-stream.
	ctx := context.WithoutCancel(r.Context())
	reply, accepted, err := run(ctx, st, req.Text, func(delta string) {
		sse.send("delta", deltaEvent{Text: delta})
	})

	switch {
	case err != nil && !sse.started && isPrecondition(err):
		writeError(w, statusFor(err), err.Error())
		return
	case !accepted:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	active := st.Active()
	sse.send("message", messageEvent{
		ConversationID: active.ID,
		Title:          active.Title,
		Message:        reply,
	})
	if err != nil {
		s.logger.Error("store reply", "owner", st.Owner(), "conversation", active.ID, "error", err)
		sse.send("error", map[string]string{"error": err.Error()})
	}
}
