// Package client owns the persistent connection to the backend messaging
// endpoint. The backend is treated as an abstract event source: a Transport
// dials it, and an established Conn turns each outstanding send request into
// a stream of lifecycle callbacks.
package client

import (
	"context"
	"fmt"

	"github.com/mthornley/chatstream/internal/models"
)

// AuthError reports a missing or rejected credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Reason)
}

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StreamHandlers is the callback set attached to one send request. The
// backend drives them in logical order: OnStart once, OnStatusUpdate zero or
// more times, OnToken zero or more times, then exactly one of OnComplete or
// OnError. Any handler may be nil.
type StreamHandlers struct {
	// OnStart fires when the backend accepts the request.
	OnStart func()

	// OnStatusUpdate reports a queue or processing status change.
	// queuePosition is negative when the backend did not report one.
	OnStatusUpdate func(status models.MessageStatus, queuePosition int)

	// OnToken delivers one incremental fragment of the generated text.
	OnToken func(text string)

	// OnComplete delivers the authoritative final message. Its content wins
	// over any locally buffered concatenation.
	OnComplete func(final models.Message)

	// OnError terminates the stream with a backend-reported failure.
	OnError func(message string)
}

// SendRequest carries one user message to the backend.
type SendRequest struct {
	ConversationID string
	Text           string
	Mode           string
	Attachment     *models.Attachment

	// History is the prior conversation context. Remote transports ignore it
	// since the backend owns the history; direct provider transports use it
	// to build the generation request.
	History []models.Message
}

// Conn is an established connection to the backend event source. Send
// registers the handler set and returns once the request is dispatched; the
// handlers are then invoked from the connection's own goroutines.
type Conn interface {
	Send(ctx context.Context, req SendRequest, handlers StreamHandlers) error

	// Stop requests cooperative cancellation of the in-flight generation for
	// the conversation. It does not guarantee the backend halts synchronously.
	Stop(ctx context.Context, conversationID string) error

	// Done is closed when the connection dies on its own. A nil channel means
	// the connection has no failure mode of its own (local transports).
	Done() <-chan struct{}

	Close() error
}

// Transport establishes connections to a backend messaging endpoint.
type Transport interface {
	// Dial connects using the given opaque credential. It returns an
	// *AuthError when the credential is absent or rejected, and any other
	// error on transport failure.
	Dial(ctx context.Context, credential string) (Conn, error)
}
