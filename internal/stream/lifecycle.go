package stream

import (
	"log/slog"
	"sync"

	"github.com/mthornley/chatstream/internal/models"
)

// Lifecycle tracks one outstanding request through the message delivery
// states, enforcing the legal edges declared by models.MessageStatus. Status
// events are expected in logical order; an event that does not match a legal
// edge is ignored and logged rather than applied, so a late or duplicated
// event can never move a message out of a terminal state.
type Lifecycle struct {
	logger *slog.Logger

	mu     sync.Mutex
	status models.MessageStatus
}

// NewLifecycle creates a tracker starting in StatusSending.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		logger: logger,
		status: models.StatusSending,
	}
}

// Status returns the current state.
func (l *Lifecycle) Status() models.MessageStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Apply attempts the transition to the given status and reports whether it
// was taken. Illegal transitions leave the state untouched.
func (l *Lifecycle) Apply(to models.MessageStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.status.CanTransition(to) {
		l.logger.Warn("Ignoring illegal status transition",
			slog.String("from", string(l.status)),
			slog.String("to", string(to)))
		return false
	}
	l.status = to

	return true
}
