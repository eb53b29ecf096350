package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockPipeline struct {
	sendErr  error
	stopErr  error
	retryErr error

	sentConversationID string
	sentText           string
	sentMode           string
	stoppedID          string
	retriedMessageID   string
}

func (p *mockPipeline) Send(
	_ context.Context,
	conversationID, text, mode string,
	_ *models.Attachment,
) (string, models.Message, error) {
	if p.sendErr != nil {
		return "", models.Message{}, p.sendErr
	}
	p.sentConversationID = conversationID
	p.sentText = text
	p.sentMode = mode

	if conversationID == "" {
		conversationID = "conv-new"
	}
	return conversationID, models.Message{
		ID:      "msg-1",
		Role:    models.RoleUser,
		Content: text,
		Status:  models.StatusSending,
	}, nil
}

func (p *mockPipeline) Stop(_ context.Context, conversationID string) error {
	if p.stopErr != nil {
		return p.stopErr
	}
	p.stoppedID = conversationID
	return nil
}

func (p *mockPipeline) Retry(_ context.Context, conversationID, messageID string) (models.Message, error) {
	if p.retryErr != nil {
		return models.Message{}, p.retryErr
	}
	p.retriedMessageID = messageID
	return models.Message{
		ID:      "msg-2",
		Role:    models.RoleUser,
		Content: "retried",
		Status:  models.StatusSending,
	}, nil
}

type mockStore struct {
	conversations []models.Conversation
	messages      map[string][]models.Message

	conversationsErr error
	updated          []models.Conversation
	deleted          []string
}

func (s *mockStore) Conversations(context.Context) ([]models.Conversation, error) {
	if s.conversationsErr != nil {
		return nil, s.conversationsErr
	}
	return s.conversations, nil
}

func (s *mockStore) UpdateConversation(_ context.Context, conversation models.Conversation) error {
	s.updated = append(s.updated, conversation)
	return nil
}

func (s *mockStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.deleted = append(s.deleted, conversationID)
	return nil
}

func (s *mockStore) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	return s.messages[conversationID], nil
}

func newTestRouter(pipeline Pipeline, store Store) http.Handler {
	m := NewMain(store, testLogger()).WithPipeline(pipeline)

	router := chi.NewRouter()
	router.Get("/api/conversations", m.HandleConversations)
	router.Post("/api/chat", m.HandleSend)
	router.Get("/api/conversations/{conversationID}/messages", m.HandleMessages)
	router.Post("/api/conversations/{conversationID}/stop", m.HandleStop)
	router.Post("/api/conversations/{conversationID}/messages/{messageID}/retry", m.HandleRetry)
	router.Patch("/api/conversations/{conversationID}", m.HandleRenameConversation)
	router.Delete("/api/conversations/{conversationID}", m.HandleDeleteConversation)
	return router
}

func TestHandleSend(t *testing.T) {
	pipeline := &mockPipeline{}
	router := newTestRouter(pipeline, &mockStore{})

	body, _ := json.Marshal(map[string]string{"text": "hello", "mode": "fast"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp sendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ConversationID != "conv-new" {
		t.Errorf("conversation_id = %q, want %q", resp.ConversationID, "conv-new")
	}
	if resp.Message.Content != "hello" {
		t.Errorf("message content = %q, want %q", resp.Message.Content, "hello")
	}
	if pipeline.sentMode != "fast" {
		t.Errorf("mode = %q, want %q", pipeline.sentMode, "fast")
	}
}

func TestHandleSendValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty text", `{"text":""}`, http.StatusBadRequest},
		{"malformed json", `{"text":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&mockPipeline{}, &mockStore{})

			req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(tt.body)))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleSendErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth error", &client.AuthError{Reason: "expired token"}, http.StatusUnauthorized},
		{"network error", &client.NetworkError{Op: "send", Err: errors.New("not connected")}, http.StatusBadGateway},
		{"other error", errors.New("whatever"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&mockPipeline{sendErr: tt.err}, &mockStore{})

			body := []byte(`{"text":"hello"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}

			var resp errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if resp.Error == "" {
				t.Error("error response has empty error field")
			}
		})
	}
}

func TestHandleStop(t *testing.T) {
	pipeline := &mockPipeline{}
	router := newTestRouter(pipeline, &mockStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if pipeline.stoppedID != "conv-1" {
		t.Errorf("stopped conversation = %q, want %q", pipeline.stoppedID, "conv-1")
	}
}

func TestHandleStopWithoutActiveStream(t *testing.T) {
	pipeline := &mockPipeline{stopErr: fmt.Errorf("no active stream")}
	router := newTestRouter(pipeline, &mockStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/stop", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHandleRetry(t *testing.T) {
	pipeline := &mockPipeline{}
	router := newTestRouter(pipeline, &mockStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/conv-1/messages/msg-9/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if pipeline.retriedMessageID != "msg-9" {
		t.Errorf("retried message = %q, want %q", pipeline.retriedMessageID, "msg-9")
	}
}

func TestHandleConversations(t *testing.T) {
	store := &mockStore{
		conversations: []models.Conversation{
			{ID: "conv-2", Title: "Newer", UpdatedAt: time.Now()},
			{ID: "conv-1", Title: "Older", UpdatedAt: time.Now().Add(-time.Hour)},
		},
	}
	router := newTestRouter(&mockPipeline{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var conversations []models.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conversations); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("got %d conversations, want 2", len(conversations))
	}
	if conversations[0].ID != "conv-2" {
		t.Errorf("first conversation = %s, want conv-2", conversations[0].ID)
	}
}

func TestHandleConversationsEmpty(t *testing.T) {
	router := newTestRouter(&mockPipeline{}, &mockStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}

func TestHandleMessages(t *testing.T) {
	store := &mockStore{
		messages: map[string][]models.Message{
			"conv-1": {
				{ID: "msg-1", Role: models.RoleUser, Content: "hi", Status: models.StatusComplete},
				{ID: "msg-2", Role: models.RoleAssistant, Content: "hello", Status: models.StatusComplete},
			},
		},
	}
	router := newTestRouter(&mockPipeline{}, store)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var messages []models.Message
	if err := json.Unmarshal(w.Body.Bytes(), &messages); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[1].Role != models.RoleAssistant {
		t.Errorf("second message role = %s, want assistant", messages[1].Role)
	}
}

func TestHandleRenameConversation(t *testing.T) {
	store := &mockStore{
		conversations: []models.Conversation{{ID: "conv-1", Title: "Old title"}},
	}
	router := newTestRouter(&mockPipeline{}, store)

	body := []byte(`{"title":"New title"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/conversations/conv-1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(store.updated) != 1 || store.updated[0].Title != "New title" {
		t.Errorf("updated = %+v, want one update with new title", store.updated)
	}
}

func TestHandleRenameConversationNotFound(t *testing.T) {
	router := newTestRouter(&mockPipeline{}, &mockStore{})

	body := []byte(`{"title":"New title"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/conversations/ghost", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleDeleteConversation(t *testing.T) {
	store := &mockStore{}
	router := newTestRouter(&mockPipeline{}, store)

	req := httptest.NewRequest(http.MethodDelete, "/api/conversations/conv-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "conv-1" {
		t.Errorf("deleted = %v, want [conv-1]", store.deleted)
	}
}
