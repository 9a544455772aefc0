package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sessiond/internal/storage"
)

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		jobs, err := deps.Store.ListIngestionJobs(r.Context(), storage.IngestionJobFilter{
			Status:         q.Get("status"),
			ConversationID: q.Get("conversation_id"),
			Limit:          parseIntParam(r, "limit", 20, 200),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list ingestion jobs: %v", err)
			return
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = jobView(j)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetIngestionJob(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "ingestion job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get ingestion job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(*job))
	}
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Store.ListConversations(r.Context(), parseIntParam(r, "limit", 20, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}
		views := make([]ConversationView, len(convs))
		for i := range convs {
			views[i] = conversationView(&convs[i], nil)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// handleGetConversation accepts a conversation id or a session key.
func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := lookupConversation(w, r, deps.Store)
		if !ok {
			return
		}
		states, err := deps.Store.RawLogStatesForConversation(r.Context(), conv.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load raw log state: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, conversationView(conv, states))
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := lookupConversation(w, r, deps.Store)
		if !ok {
			return
		}
		msgs, err := deps.Store.ListMessages(r.Context(), conv.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		views := make([]MessageView, len(msgs))
		for i, m := range msgs {
			views[i] = messageView(m)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func lookupConversation(w http.ResponseWriter, r *http.Request, store *storage.Store) (*storage.Conversation, bool) {
	id := chi.URLParam(r, "id")
	conv, err := store.GetConversation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		conv, err = store.ConversationBySessionKey(r.Context(), id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "conversation not found")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
		return nil, false
	}
	return conv, true
}
