package models

import "time"

// Conversation represents a message thread in the chat system. Messages belong
// to exactly one conversation and are kept in insertion order, which is also
// the display order. The message sequence only changes by appending, except
// for explicit delete and retry operations which truncate from a point
// forward.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerError is a backend-reported failure attached to a message.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}
