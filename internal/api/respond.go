package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps store errors onto HTTP statuses. Anything that is not a
// precondition failure is a server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrEditIndexOutOfRange),
		errors.Is(err, conversation.ErrNotUserMessage),
		errors.Is(err, conversation.ErrNoPendingEdit),
		errors.Is(err, conversation.ErrNotAwaitingReply):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func isPrecondition(err error) bool {
	return statusFor(err) != http.StatusInternalServerError
}
