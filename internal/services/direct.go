package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/models"
)

const errLoggerKey = "err"

// generateFunc runs one generation for a direct provider, emitting each text
// fragment through emit as it arrives, and returns the final full content.
type generateFunc func(ctx context.Context, req client.SendRequest, emit func(token string)) (string, error)

// directConn adapts a local LLM provider into the client.Conn event-source
// contract: it synthesizes the lifecycle events a remote backend would push
// (start, queued, processing) and streams provider output as token events,
// ending in a complete or error event.
type directConn struct {
	generate generateFunc
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*generation
	closed  bool
}

type generation struct {
	cancel context.CancelFunc
}

func newDirectConn(generate generateFunc, logger *slog.Logger) *directConn {
	return &directConn{
		generate: generate,
		logger:   logger,
		streams:  make(map[string]*generation),
	}
}

// Send starts the generation in its own goroutine. The generation is detached
// from the caller's context: its lifetime is controlled by Stop and Close,
// not by the request that initiated it.
func (c *directConn) Send(_ context.Context, req client.SendRequest, handlers client.StreamHandlers) error {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{cancel: cancel}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return errors.New("connection closed")
	}
	if prev := c.streams[req.ConversationID]; prev != nil {
		prev.cancel()
	}
	c.streams[req.ConversationID] = gen
	c.mu.Unlock()

	go c.run(ctx, gen, req, handlers)

	return nil
}

func (c *directConn) run(ctx context.Context, gen *generation, req client.SendRequest, handlers client.StreamHandlers) {
	defer func() {
		gen.cancel()
		c.mu.Lock()
		if c.streams[req.ConversationID] == gen {
			delete(c.streams, req.ConversationID)
		}
		c.mu.Unlock()
	}()

	if handlers.OnStart != nil {
		handlers.OnStart()
	}
	if handlers.OnStatusUpdate != nil {
		// A local provider has no real queue; the queued state is passed
		// through so the consumer sees the same lifecycle a remote backend
		// produces.
		handlers.OnStatusUpdate(models.StatusQueued, 0)
		handlers.OnStatusUpdate(models.StatusProcessing, -1)
	}

	final, err := c.generate(ctx, req, func(token string) {
		if handlers.OnToken != nil {
			handlers.OnToken(token)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Stopped cooperatively; the orchestrator finalizes local state.
			return
		}
		c.logger.Error("Generation failed",
			slog.String("conversationID", req.ConversationID),
			slog.String(errLoggerKey, err.Error()))
		if handlers.OnError != nil {
			handlers.OnError(err.Error())
		}
		return
	}

	if handlers.OnComplete != nil {
		handlers.OnComplete(models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			Content:   final,
			Timestamp: time.Now(),
			Status:    models.StatusComplete,
		})
	}
}

func (c *directConn) Stop(_ context.Context, conversationID string) error {
	c.mu.Lock()
	gen := c.streams[conversationID]
	delete(c.streams, conversationID)
	c.mu.Unlock()

	if gen != nil {
		gen.cancel()
	}

	return nil
}

// Done returns nil: a local connection has no failure mode of its own.
func (c *directConn) Done() <-chan struct{} {
	return nil
}

func (c *directConn) Close() error {
	c.mu.Lock()
	c.closed = true
	streams := c.streams
	c.streams = make(map[string]*generation)
	c.mu.Unlock()

	for _, gen := range streams {
		gen.cancel()
	}

	return nil
}

// promptMessages flattens the request's history plus the new user text into
// role/content pairs for a provider request. Messages without content (failed
// sends, empty placeholders) are skipped.
func promptMessages(req client.SendRequest) []promptMessage {
	msgs := make([]promptMessage, 0, len(req.History)+1)
	for _, msg := range req.History {
		if msg.Content == "" {
			continue
		}
		msgs = append(msgs, promptMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	msgs = append(msgs, promptMessage{
		Role:    string(models.RoleUser),
		Content: req.Text,
	})

	return msgs
}

type promptMessage struct {
	Role    string
	Content string
}
