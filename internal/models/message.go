package models

import "time"

// Message represents an individual communication entry within a conversation.
// The ID is client-generated for pending entries; the content of an assistant
// message grows while its response is being streamed and is replaced by the
// server's authoritative value on completion.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status"`

	// Error holds the backend-reported failure text when Status is StatusError.
	Error string `json:"error,omitempty"`

	// QueuePosition is the backend-reported rank of a pending request awaiting
	// processing capacity. Nil means the position is unknown or no longer
	// applies.
	QueuePosition *int `json:"queue_position,omitempty"`

	// Mode is the generation mode flag the message was sent with. It is kept
	// on the message so a retry re-sends with the same mode.
	Mode string `json:"mode,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment is an optional file sent alongside a user message.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system message.
	RoleSystem Role = "system"
)

// MessageStatus tracks a message through its delivery lifecycle. A message
// moves sending -> queued -> processing -> streaming -> complete, with error
// reachable from any non-terminal status. Complete and error are terminal;
// a retry creates a new message rather than mutating a terminal one.
type MessageStatus string

const (
	// StatusSending means the message has been constructed locally but not yet
	// acknowledged by the backend.
	StatusSending MessageStatus = "sending"
	// StatusQueued means the backend accepted the request and it is awaiting
	// processing capacity.
	StatusQueued MessageStatus = "queued"
	// StatusProcessing means the backend started working on the request.
	StatusProcessing MessageStatus = "processing"
	// StatusStreaming means response tokens are being delivered.
	StatusStreaming MessageStatus = "streaming"
	// StatusComplete means the message reached its final content.
	StatusComplete MessageStatus = "complete"
	// StatusError means the request failed; the failure text is attached to
	// the message.
	StatusError MessageStatus = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s MessageStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// CanTransition reports whether moving from s to "to" is a legal lifecycle
// edge. Processing may complete directly since a response can finish without
// producing any tokens, and streaming may complete directly on a cooperative
// stop.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	switch s {
	case StatusSending:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusStreaming || to == StatusComplete
	case StatusStreaming:
		return to == StatusComplete
	default:
		return false
	}
}
