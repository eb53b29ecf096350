package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mthornley/chatstream/internal/models"
)

// Frame types exchanged with the backend. The client writes send/stop frames;
// the backend pushes start/status/token/complete/error frames tagged with the
// originating request id.
const (
	frameSend     = "send"
	frameStop     = "stop"
	frameStart    = "start"
	frameStatus   = "status"
	frameToken    = "token"
	frameComplete = "complete"
	frameError    = "error"
)

// frame is the JSON envelope for every websocket message in both directions.
// Only the fields relevant to the frame type are populated.
type frame struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"request_id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Text           string             `json:"text,omitempty"`
	Mode           string             `json:"mode,omitempty"`
	Attachment     *models.Attachment `json:"attachment,omitempty"`
	Status         string             `json:"status,omitempty"`
	QueuePosition  *int               `json:"queue_position,omitempty"`
	Token          string             `json:"token,omitempty"`
	Message        *models.Message    `json:"message,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// WebSocket is a Transport over a persistent websocket connection to the
// backend messaging endpoint. The credential is presented as a bearer token
// during the handshake.
type WebSocket struct {
	url    string
	logger *slog.Logger
}

// NewWebSocket creates a websocket transport for the given ws:// or wss://
// endpoint URL.
func NewWebSocket(url string, logger *slog.Logger) WebSocket {
	return WebSocket{
		url:    url,
		logger: logger.With(slog.String("module", "websocket")),
	}
}

// Dial connects and starts the read loop. A missing credential or a 401/403
// handshake response yields an *AuthError.
func (t WebSocket) Dial(ctx context.Context, credential string) (Conn, error) {
	if credential == "" {
		return nil, &AuthError{Reason: "credential is required"}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: fmt.Sprintf("credential rejected with status %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	c := &wsConn{
		ws:             ws,
		logger:         t.logger,
		pending:        make(map[string]StreamHandlers),
		byConversation: make(map[string]string),
		done:           make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// wsConn routes backend event frames to the handler set registered for their
// request id. One request is tracked per conversation at a time; the
// orchestrator guarantees single-flight per conversation.
type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	pending        map[string]StreamHandlers
	byConversation map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(_ context.Context, req SendRequest, handlers StreamHandlers) error {
	requestID := uuid.New().String()

	c.mu.Lock()
	c.pending[requestID] = handlers
	c.byConversation[req.ConversationID] = requestID
	c.mu.Unlock()

	err := c.writeFrame(frame{
		Type:           frameSend,
		RequestID:      requestID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Mode:           req.Mode,
		Attachment:     req.Attachment,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		delete(c.byConversation, req.ConversationID)
		c.mu.Unlock()
		return fmt.Errorf("write send frame: %w", err)
	}

	return nil
}

func (c *wsConn) Stop(_ context.Context, conversationID string) error {
	c.mu.Lock()
	requestID, ok := c.byConversation[conversationID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no in-flight request for conversation %s", conversationID)
	}

	err := c.writeFrame(frame{
		Type:           frameStop,
		RequestID:      requestID,
		ConversationID: conversationID,
	})
	if err != nil {
		return fmt.Errorf("write stop frame: %w", err)
	}

	return nil
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *wsConn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		c.dispatch(f)
	}
}

// fail tears the connection down and reports the drop to every stream still
// in flight, so no request is left waiting on a dead socket.
func (c *wsConn) fail(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]StreamHandlers)
	c.byConversation = make(map[string]string)
	c.mu.Unlock()

	c.logger.Warn("Read loop terminated", slog.String(errLoggerKey, err.Error()))

	for _, handlers := range pending {
		if handlers.OnError != nil {
			handlers.OnError(fmt.Sprintf("connection lost: %v", err))
		}
	}
	_ = c.Close()
}

func (c *wsConn) dispatch(f frame) {
	c.mu.Lock()
	handlers, ok := c.pending[f.RequestID]
	if f.Type == frameComplete || f.Type == frameError {
		delete(c.pending, f.RequestID)
		if c.byConversation[f.ConversationID] == f.RequestID {
			delete(c.byConversation, f.ConversationID)
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Dropping frame for unknown request",
			slog.String("type", f.Type),
			slog.String("requestID", f.RequestID))
		return
	}

	switch f.Type {
	case frameStart:
		if handlers.OnStart != nil {
			handlers.OnStart()
		}
	case frameStatus:
		if handlers.OnStatusUpdate != nil {
			position := -1
			if f.QueuePosition != nil {
				position = *f.QueuePosition
			}
			handlers.OnStatusUpdate(models.MessageStatus(f.Status), position)
		}
	case frameToken:
		if handlers.OnToken != nil {
			handlers.OnToken(f.Token)
		}
	case frameComplete:
		if handlers.OnComplete != nil {
			var final models.Message
			if f.Message != nil {
				final = *f.Message
			}
			handlers.OnComplete(final)
		}
	case frameError:
		if handlers.OnError != nil {
			handlers.OnError(f.Error)
		}
	default:
		c.logger.Warn("Dropping frame of unknown type", slog.String("type", f.Type))
	}
}
