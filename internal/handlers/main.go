package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"

	"github.com/mthornley/chatstream/internal/models"
)

const errLoggerKey = "err"

// Pipeline is the streaming message-delivery pipeline the gateway drives. It
// is implemented by *session.Orchestrator.
type Pipeline interface {
	Send(ctx context.Context, conversationID, text, mode string, attachment *models.Attachment) (string, models.Message, error)
	Stop(ctx context.Context, conversationID string) error
	Retry(ctx context.Context, conversationID, messageID string) (models.Message, error)
}

// Store is the read/maintenance surface of the conversation store the gateway
// serves directly, without going through the pipeline.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	UpdateConversation(ctx context.Context, conversation models.Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Main is the gateway between HTTP clients and the pipeline: it exposes the
// JSON API and pushes every pipeline state change over server-sent events.
// It implements session.Notifier.
type Main struct {
	sseSrv *sse.Server

	pipeline Pipeline
	store    Store

	// convListLimiter bounds how often conversation-list snapshots are pushed.
	// An explicit token bucket, not a debounce: a denied push is dropped and
	// the next change publishes a fresh snapshot.
	convListLimiter *rate.Limiter

	logger *slog.Logger
}

const conversationsSSETopic = "conversations"

// SSE event types for real-time updates.
var (
	messageSSEType       = sse.Type("message")
	resetSSEType         = sse.Type("reset")
	conversationsSSEType = sse.Type("conversations")
	connectionSSEType    = sse.Type("connection")
)

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// NewMain creates the gateway. Clients subscribing to /api/events receive
// conversation-list and connection-state events by default, plus the message
// events of the conversation named by the conversation_id query parameter.
//
// The gateway is created without a pipeline so it can serve as the pipeline's
// notifier first; attach the pipeline with WithPipeline before registering
// routes.
func NewMain(store Store, logger *slog.Logger) Main {
	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, conversationsSSETopic}

				conversationID := s.Req.URL.Query().Get("conversation_id")
				if conversationID != "" {
					topics = append(topics, conversationTopic(conversationID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		store:           store,
		convListLimiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		logger:          logger.With(slog.String("module", "handlers")),
	}
}

// WithPipeline returns a copy of the gateway bound to the given pipeline. The
// copy shares the SSE server, so events published through either reach the
// same subscribers.
func (m Main) WithPipeline(pipeline Pipeline) Main {
	m.pipeline = pipeline
	return m
}

// HandleSSE serves the event stream endpoint.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// MessageUpdated implements session.Notifier by pushing the message to the
// conversation's topic.
func (m Main) MessageUpdated(conversationID string, message models.Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("Failed to marshal message",
			slog.String("messageID", message.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messageSSEType}
	msg.AppendData(string(payload))
	if err := m.sseSrv.Publish(&msg, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish message update",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// MessagesInvalidated implements session.Notifier by telling subscribers to
// reload the conversation's message list after a truncation.
func (m Main) MessagesInvalidated(conversationID string) {
	msg := sse.Message{Type: resetSSEType}
	msg.AppendData(conversationID)
	if err := m.sseSrv.Publish(&msg, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish reset",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// ConversationsChanged implements session.Notifier by pushing a fresh
// conversation-list snapshot, bounded by the token bucket.
func (m Main) ConversationsChanged() {
	if !m.convListLimiter.Allow() {
		return
	}

	conversations, err := m.store.Conversations(context.Background())
	if err != nil {
		m.logger.Error("Failed to load conversations",
			slog.String(errLoggerKey, err.Error()))
		return
	}
	payload, err := json.Marshal(conversations)
	if err != nil {
		m.logger.Error("Failed to marshal conversations",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: conversationsSSEType}
	msg.AppendData(string(payload))
	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		m.logger.Error("Failed to publish conversations",
			slog.String(errLoggerKey, err.Error()))
	}
}

// PublishConnectionState pushes a backend connection-state change to all
// subscribers, surfacing drops as a non-fatal notification.
func (m Main) PublishConnectionState(connected bool) {
	msg := sse.Message{Type: connectionSSEType}
	msg.AppendData(fmt.Sprintf(`{"connected":%t}`, connected))
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish connection state",
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server: a close event is broadcast
// and connections get up to 5 seconds to terminate before being forced.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
