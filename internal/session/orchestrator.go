// Package session coordinates message sends between the connection manager,
// the token buffer, and the message lifecycle, and emits every resulting
// state change to the rendering layer.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/models"
	"github.com/mthornley/chatstream/internal/stream"
)

const errLoggerKey = "err"

// Store defines the conversation and message persistence the orchestrator
// needs. Message order within a conversation is insertion order.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conversation models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conversation models.Conversation) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AddMessage(ctx context.Context, conversationID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, conversationID string, message models.Message) error

	// TruncateFrom removes the given message and every message after it.
	TruncateFrom(ctx context.Context, conversationID, messageID string) error

	// AdoptMessageID re-keys a stored message under the server-assigned
	// identifier without moving its position in insertion order, and returns
	// the stored ID.
	AdoptMessageID(ctx context.Context, conversationID, localID, serverID string) (string, error)
}

// Sender dispatches requests over the persistent backend connection. It is
// satisfied by *client.Manager.
type Sender interface {
	Send(ctx context.Context, req client.SendRequest, handlers client.StreamHandlers) error
	Stop(ctx context.Context, conversationID string) error
}

// Notifier receives every user-visible state change the pipeline produces.
// The gateway implements it to push updates to connected clients.
type Notifier interface {
	// MessageUpdated reports that a message was inserted or changed.
	MessageUpdated(conversationID string, message models.Message)

	// MessagesInvalidated reports that the conversation's message list was
	// truncated and must be reloaded.
	MessagesInvalidated(conversationID string)

	// ConversationsChanged reports that the conversation list changed.
	ConversationsChanged()
}

// TitleGenerator produces a conversation title from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Orchestrator mediates between the connection manager, the per-stream token
// buffer, and the message lifecycle. It owns the mapping from conversation to
// in-flight stream and guarantees at most one active stream, and so at most
// one streaming message, per conversation.
//
// Handler callbacks arrive on transport goroutines and buffer flushes on the
// buffer's timer goroutine; every callback re-checks that its stream is still
// the current one for the conversation (by generation) before touching state,
// so a superseded stream can never write into its successor.
type Orchestrator struct {
	sender   Sender
	store    Store
	notifier Notifier
	titleGen TitleGenerator // may be nil; a text prefix is used instead
	logger   *slog.Logger

	flushInterval time.Duration

	mu         sync.Mutex
	active     map[string]*activeStream
	generation uint64
}

// activeStream is the orchestrator-owned state of one in-flight request. The
// token buffer is exclusively owned by this stream and disposed when the
// stream ends or is superseded.
type activeStream struct {
	generation     uint64
	conversationID string

	lifecycle *stream.Lifecycle
	buffer    *stream.TokenBuffer

	userMsg      models.Message
	assistantMsg *models.Message // nil until the first token arrives
}

// New creates an orchestrator. titleGen may be nil.
func New(
	sender Sender,
	store Store,
	notifier Notifier,
	titleGen TitleGenerator,
	flushInterval time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sender:        sender,
		store:         store,
		notifier:      notifier,
		titleGen:      titleGen,
		flushInterval: flushInterval,
		logger:        logger.With(slog.String("module", "session")),
		active:        make(map[string]*activeStream),
	}
}

// Send constructs a pending user message, appends it to the conversation, and
// dispatches the request with the full lifecycle handler set. An empty
// conversationID creates a new conversation first. Any previous stream for
// the conversation is disposed before the new one starts.
func (o *Orchestrator) Send(
	ctx context.Context,
	conversationID, text, mode string,
	attachment *models.Attachment,
) (string, models.Message, error) {
	if text == "" {
		return "", models.Message{}, fmt.Errorf("message text is required")
	}

	isNew := conversationID == ""
	if isNew {
		newID, err := o.newConversation(ctx)
		if err != nil {
			return "", models.Message{}, err
		}
		conversationID = newID
	}

	o.supersede(conversationID)

	history, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return "", models.Message{}, fmt.Errorf("failed to load history: %w", err)
	}

	userMsg := models.Message{
		ID:         uuid.New().String(),
		Role:       models.RoleUser,
		Content:    text,
		Timestamp:  time.Now(),
		Status:     models.StatusSending,
		Mode:       mode,
		Attachment: attachment,
	}
	userMsgID, err := o.store.AddMessage(ctx, conversationID, userMsg)
	if err != nil {
		return "", models.Message{}, fmt.Errorf("failed to add user message: %w", err)
	}
	userMsg.ID = userMsgID
	o.notifier.MessageUpdated(conversationID, userMsg)

	o.mu.Lock()
	o.generation++
	generation := o.generation
	as := &activeStream{
		generation:     generation,
		conversationID: conversationID,
		lifecycle:      stream.NewLifecycle(o.logger),
		userMsg:        userMsg,
	}
	as.buffer = stream.NewTokenBuffer(o.flushInterval, func(batch string) {
		o.onFlush(conversationID, generation, batch)
	})
	o.active[conversationID] = as
	o.mu.Unlock()

	req := client.SendRequest{
		ConversationID: conversationID,
		Text:           text,
		Mode:           mode,
		Attachment:     attachment,
		History:        history,
	}
	if err := o.sender.Send(ctx, req, o.handlers(conversationID, generation)); err != nil {
		o.failStream(conversationID, generation, err.Error())
		return conversationID, userMsg, err
	}

	if isNew {
		go o.generateTitle(conversationID, text)
	}
	o.touchConversation(ctx, conversationID)

	return conversationID, userMsg, nil
}

// Stop requests cancellation of the conversation's in-flight generation and
// finalizes the local state optimistically: the in-progress assistant message
// completes with whatever content was streamed so far.
func (o *Orchestrator) Stop(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	as := o.active[conversationID]
	if as == nil {
		o.mu.Unlock()
		return fmt.Errorf("no active stream for conversation %s", conversationID)
	}
	generation := as.generation
	buffer := as.buffer
	o.mu.Unlock()

	if err := o.sender.Stop(ctx, conversationID); err != nil {
		// Cooperative cancellation only; local finalization proceeds anyway.
		o.logger.Warn("Failed to signal stop to backend",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}

	buffer.Flush()
	buffer.Dispose()

	o.mu.Lock()
	defer o.mu.Unlock()

	as = o.current(conversationID, generation)
	if as == nil {
		return nil
	}
	delete(o.active, conversationID)

	as.lifecycle.Apply(models.StatusComplete)
	if as.assistantMsg != nil {
		as.assistantMsg.Status = models.StatusComplete
		o.persistLocked(conversationID, *as.assistantMsg)
	} else {
		// Stopped before any token arrived; the request is finished with no
		// assistant reply.
		o.finalizeUserLocked(as)
	}

	return nil
}

// Retry locates the failed user message, truncates the conversation from it
// forward, and re-sends the same text with the same mode and attachment.
func (o *Orchestrator) Retry(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	messages, err := o.store.Messages(ctx, conversationID)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to load messages: %w", err)
	}

	var failed *models.Message
	for i := range messages {
		if messages[i].ID == messageID {
			failed = &messages[i]
			break
		}
	}
	if failed == nil {
		return models.Message{}, fmt.Errorf("message %s not found in conversation %s", messageID, conversationID)
	}
	if failed.Role != models.RoleUser {
		return models.Message{}, fmt.Errorf("only user messages can be retried")
	}

	o.supersede(conversationID)

	if err := o.store.TruncateFrom(ctx, conversationID, messageID); err != nil {
		return models.Message{}, fmt.Errorf("failed to truncate conversation: %w", err)
	}
	o.notifier.MessagesInvalidated(conversationID)

	_, userMsg, err := o.Send(ctx, conversationID, failed.Content, failed.Mode, failed.Attachment)
	return userMsg, err
}

// handlers builds the lifecycle callback set for one stream, each bound to
// the stream's generation so late callbacks from a superseded stream are
// dropped.
func (o *Orchestrator) handlers(conversationID string, generation uint64) client.StreamHandlers {
	return client.StreamHandlers{
		OnStart: func() {
			o.onStart(conversationID, generation)
		},
		OnStatusUpdate: func(status models.MessageStatus, queuePosition int) {
			o.onStatusUpdate(conversationID, generation, status, queuePosition)
		},
		OnToken: func(text string) {
			o.onToken(conversationID, generation, text)
		},
		OnComplete: func(final models.Message) {
			o.onComplete(conversationID, generation, final)
		},
		OnError: func(message string) {
			o.failStream(conversationID, generation, message)
		},
	}
}

// current returns the conversation's active stream only if it still carries
// the given generation. Callers must hold o.mu.
func (o *Orchestrator) current(conversationID string, generation uint64) *activeStream {
	as := o.active[conversationID]
	if as == nil || as.generation != generation {
		return nil
	}
	return as
}

// supersede disposes any previous stream for the conversation. Disposal
// happens after the map entry is removed, so a flush already racing for the
// lock finds its generation gone and drops its batch.
func (o *Orchestrator) supersede(conversationID string) {
	o.mu.Lock()
	prev := o.active[conversationID]
	delete(o.active, conversationID)
	o.mu.Unlock()

	if prev == nil {
		return
	}
	if rest := prev.buffer.Dispose(); rest != "" {
		o.logger.Warn("Discarding unflushed tokens from superseded stream",
			slog.String("conversationID", conversationID),
			slog.Int("bytes", len(rest)))
	}
}

func (o *Orchestrator) onStart(conversationID string, generation uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	as := o.current(conversationID, generation)
	if as == nil {
		o.logStale("start", conversationID)
		return
	}
	if !as.lifecycle.Apply(models.StatusQueued) {
		return
	}

	as.userMsg.Status = models.StatusQueued
	o.persistLocked(conversationID, as.userMsg)
}

func (o *Orchestrator) onStatusUpdate(
	conversationID string,
	generation uint64,
	status models.MessageStatus,
	queuePosition int,
) {
	o.mu.Lock()
	defer o.mu.Unlock()

	as := o.current(conversationID, generation)
	if as == nil {
		o.logStale("status", conversationID)
		return
	}

	switch status {
	case models.StatusQueued:
		if as.lifecycle.Status() != models.StatusQueued {
			o.logger.Warn("Ignoring queued update outside queued state",
				slog.String("state", string(as.lifecycle.Status())))
			return
		}
		if queuePosition >= 0 {
			as.userMsg.QueuePosition = &queuePosition
		}
		o.persistLocked(conversationID, as.userMsg)
	case models.StatusProcessing:
		if !as.lifecycle.Apply(models.StatusProcessing) {
			return
		}
		as.userMsg.Status = models.StatusProcessing
		as.userMsg.QueuePosition = nil
		o.persistLocked(conversationID, as.userMsg)
	case models.StatusStreaming:
		if !as.lifecycle.Apply(models.StatusStreaming) {
			return
		}
		if as.assistantMsg == nil {
			o.finalizeUserLocked(as)
			o.insertAssistantLocked(as, models.StatusStreaming)
		}
	default:
		o.logger.Warn("Ignoring unexpected status update", slog.String("status", string(status)))
	}
}

// onToken confirms the streaming state, creating the assistant placeholder on
// the first token, and hands the fragment to the token buffer.
func (o *Orchestrator) onToken(conversationID string, generation uint64, text string) {
	o.mu.Lock()

	as := o.current(conversationID, generation)
	if as == nil {
		o.mu.Unlock()
		o.logStale("token", conversationID)
		return
	}

	if as.assistantMsg == nil {
		if !as.lifecycle.Apply(models.StatusStreaming) {
			o.mu.Unlock()
			return
		}
		o.finalizeUserLocked(as)
		o.insertAssistantLocked(as, models.StatusStreaming)
	}
	buffer := as.buffer
	o.mu.Unlock()

	if err := buffer.Append(text); err != nil {
		o.logger.Warn("Dropping token for disposed buffer",
			slog.String("conversationID", conversationID))
	}
}

// onFlush moves one buffered batch into the assistant message. Batches from
// superseded streams are dropped here by the generation guard, which is what
// keeps a previous stream's tokens out of the next message.
func (o *Orchestrator) onFlush(conversationID string, generation uint64, batch string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	as := o.current(conversationID, generation)
	if as == nil {
		o.logger.Warn("Dropping flush from superseded stream",
			slog.String("conversationID", conversationID),
			slog.Int("bytes", len(batch)))
		return
	}
	if as.assistantMsg == nil {
		o.logger.Error("Flush arrived before assistant placeholder",
			slog.String("conversationID", conversationID))
		return
	}

	as.assistantMsg.Content += batch
	o.persistLocked(conversationID, *as.assistantMsg)
}

func (o *Orchestrator) onComplete(conversationID string, generation uint64, final models.Message) {
	o.mu.Lock()
	as := o.current(conversationID, generation)
	if as == nil {
		o.mu.Unlock()
		o.logStale("complete", conversationID)
		return
	}
	buffer := as.buffer
	o.mu.Unlock()

	// Deliver trailing tokens before finalizing so the stream is lossless up
	// to the moment the server content takes over.
	buffer.Flush()
	buffer.Dispose()

	o.mu.Lock()
	defer o.mu.Unlock()

	as = o.current(conversationID, generation)
	if as == nil {
		return
	}
	delete(o.active, conversationID)

	as.lifecycle.Apply(models.StatusComplete)

	if as.assistantMsg == nil {
		// No tokens ever arrived; the final message is still inserted rather
		// than dropped.
		o.finalizeUserLocked(as)
		o.insertAssistantLocked(as, models.StatusComplete)
	}

	as.assistantMsg.Status = models.StatusComplete
	if final.Content != "" || final.ID != "" {
		// The server's final content is authoritative over the buffered
		// concatenation.
		as.assistantMsg.Content = final.Content
	}
	if final.ID != "" {
		// The message was created under a locally generated ID; the server's
		// identifier is adopted on completion.
		newID, err := o.store.AdoptMessageID(context.Background(), conversationID, as.assistantMsg.ID, final.ID)
		if err != nil {
			o.logger.Error("Failed to adopt server message id",
				slog.String("conversationID", conversationID),
				slog.String("messageID", as.assistantMsg.ID),
				slog.String(errLoggerKey, err.Error()))
		} else {
			as.assistantMsg.ID = newID
		}
	}
	o.persistLocked(conversationID, *as.assistantMsg)
}

// failStream terminates the stream in the error state, preserving any content
// already streamed and attaching the failure text to the message the user is
// watching.
func (o *Orchestrator) failStream(conversationID string, generation uint64, message string) {
	o.mu.Lock()
	as := o.current(conversationID, generation)
	if as == nil {
		o.mu.Unlock()
		o.logStale("error", conversationID)
		return
	}
	buffer := as.buffer
	o.mu.Unlock()

	// Preserve partial content: flush what arrived before failing.
	buffer.Flush()
	buffer.Dispose()

	o.mu.Lock()
	defer o.mu.Unlock()

	as = o.current(conversationID, generation)
	if as == nil {
		return
	}
	delete(o.active, conversationID)

	as.lifecycle.Apply(models.StatusError)

	serverErr := &models.ServerError{Message: message}
	if as.assistantMsg != nil {
		as.assistantMsg.Status = models.StatusError
		as.assistantMsg.Error = serverErr.Error()
		o.persistLocked(conversationID, *as.assistantMsg)
		return
	}

	as.userMsg.Status = models.StatusError
	as.userMsg.Error = serverErr.Error()
	o.persistLocked(conversationID, as.userMsg)
}

// finalizeUserLocked completes the user message once its request has moved
// past the processing phase. Callers must hold o.mu.
func (o *Orchestrator) finalizeUserLocked(as *activeStream) {
	as.userMsg.Status = models.StatusComplete
	as.userMsg.QueuePosition = nil
	o.persistLocked(as.conversationID, as.userMsg)
}

// insertAssistantLocked creates the assistant message for the stream's
// response. Callers must hold o.mu.
func (o *Orchestrator) insertAssistantLocked(as *activeStream, status models.MessageStatus) {
	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
		Status:    status,
	}
	msgID, err := o.store.AddMessage(context.Background(), as.conversationID, msg)
	if err != nil {
		o.logger.Error("Failed to add assistant message",
			slog.String("conversationID", as.conversationID),
			slog.String(errLoggerKey, err.Error()))
	} else {
		msg.ID = msgID
	}
	as.assistantMsg = &msg
	o.notifier.MessageUpdated(as.conversationID, msg)
}

// persistLocked updates a message in the store and pushes it to the rendering
// layer. Callers must hold o.mu.
func (o *Orchestrator) persistLocked(conversationID string, msg models.Message) {
	if err := o.store.UpdateMessage(context.Background(), conversationID, msg); err != nil {
		o.logger.Error("Failed to update message",
			slog.String("conversationID", conversationID),
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
	o.notifier.MessageUpdated(conversationID, msg)
}

func (o *Orchestrator) newConversation(ctx context.Context) (string, error) {
	now := time.Now()
	conversation := models.Conversation{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	newID, err := o.store.AddConversation(ctx, conversation)
	if err != nil {
		return "", fmt.Errorf("failed to add conversation: %w", err)
	}
	o.notifier.ConversationsChanged()

	return newID, nil
}

func (o *Orchestrator) touchConversation(ctx context.Context, conversationID string) {
	conversations, err := o.store.Conversations(ctx)
	if err != nil {
		o.logger.Warn("Failed to load conversations",
			slog.String(errLoggerKey, err.Error()))
		return
	}
	for _, conversation := range conversations {
		if conversation.ID != conversationID {
			continue
		}
		conversation.UpdatedAt = time.Now()
		if err := o.store.UpdateConversation(ctx, conversation); err != nil {
			o.logger.Warn("Failed to update conversation",
				slog.String("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
		}
		return
	}
}

// generateTitle assigns a conversation title from its first message, via the
// configured generator when present and a plain text prefix otherwise.
func (o *Orchestrator) generateTitle(conversationID, message string) {
	title := titleFallback(message)
	if o.titleGen != nil {
		generated, err := o.titleGen.GenerateTitle(context.Background(), message)
		if err != nil {
			o.logger.Warn("Failed to generate title, using fallback",
				slog.String(errLoggerKey, err.Error()))
		} else if generated != "" {
			title = generated
		}
	}

	conversations, err := o.store.Conversations(context.Background())
	if err != nil {
		o.logger.Error("Failed to load conversations for title update",
			slog.String(errLoggerKey, err.Error()))
		return
	}
	for _, conversation := range conversations {
		if conversation.ID != conversationID {
			continue
		}
		conversation.Title = title
		if err := o.store.UpdateConversation(context.Background(), conversation); err != nil {
			o.logger.Error("Failed to update conversation title",
				slog.String(errLoggerKey, err.Error()))
			return
		}
		o.notifier.ConversationsChanged()
		return
	}
}

const titleFallbackWords = 8

func titleFallback(message string) string {
	words := strings.Fields(message)
	if len(words) > titleFallbackWords {
		words = words[:titleFallbackWords]
	}
	return strings.Join(words, " ")
}

func (o *Orchestrator) logStale(event, conversationID string) {
	o.logger.Warn("Dropping event from superseded stream",
		slog.String("event", event),
		slog.String("conversationID", conversationID))
}
