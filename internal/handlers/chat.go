package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/models"
)

type sendRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Text           string             `json:"text"`
	Mode           string             `json:"mode,omitempty"`
	Attachment     *models.Attachment `json:"attachment,omitempty"`
}

type sendResponse struct {
	ConversationID string         `json:"conversation_id"`
	Message        models.Message `json:"message"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSend accepts a user message and dispatches it through the pipeline.
// An empty conversation_id creates a new conversation. The response carries
// the pending user message; subsequent lifecycle updates arrive over the
// conversation's SSE topic.
func (m Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	conversationID, userMsg, err := m.pipeline.Send(r.Context(), req.ConversationID, req.Text, req.Mode, req.Attachment)
	if err != nil {
		m.logger.Error("Failed to send message",
			slog.String("conversationID", req.ConversationID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, sendErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		ConversationID: conversationID,
		Message:        userMsg,
	})
}

// HandleStop requests cancellation of the conversation's in-flight
// generation.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if err := m.pipeline.Stop(r.Context(), conversationID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRetry re-sends a failed user message, truncating the conversation
// from it forward first.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")

	userMsg, err := m.pipeline.Retry(r.Context(), conversationID, messageID)
	if err != nil {
		m.logger.Error("Failed to retry message",
			slog.String("conversationID", conversationID),
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		ConversationID: conversationID,
		Message:        userMsg,
	})
}

// HandleConversations lists all conversations, most recent first.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// HandleMessages returns the conversation's messages in display order.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	messages, err := m.store.Messages(r.Context(), conversationID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// HandleRenameConversation assigns a user-chosen conversation title.
func (m Main) HandleRenameConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	conversations, err := m.store.Conversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, conversation := range conversations {
		if conversation.ID != conversationID {
			continue
		}
		conversation.Title = req.Title
		if err := m.store.UpdateConversation(r.Context(), conversation); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		m.ConversationsChanged()
		writeJSON(w, http.StatusOK, conversation)
		return
	}

	writeError(w, http.StatusNotFound, "conversation not found")
}

// HandleDeleteConversation removes a conversation and all its messages.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if err := m.store.DeleteConversation(r.Context(), conversationID); err != nil {
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.ConversationsChanged()
	w.WriteHeader(http.StatusNoContent)
}

// sendErrorStatus maps the pipeline error taxonomy onto HTTP statuses:
// credential problems are 401, transport problems 502, the rest client
// errors.
func sendErrorStatus(err error) int {
	var authErr *client.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized
	}
	var netErr *client.NetworkError
	if errors.As(err, &netErr) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
