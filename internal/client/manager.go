package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const defaultPollInterval = 30 * time.Second

const errLoggerKey = "err"

// Manager owns the single persistent backend connection and its lifecycle:
// connect, explicit disconnect, state listeners, and a fixed-period reconnect
// poll. It is the only component that holds a Conn; everything else sends
// through the manager so a dead connection is detected in one place.
type Manager struct {
	transport    Transport
	pollInterval time.Duration
	logger       *slog.Logger

	mu            sync.Mutex
	conn          Conn
	credential    string
	everConnected bool
	lastGood      time.Time
	retries       int
	listeners     map[int]func(connected bool)
	nextListener  int

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a connection manager over the given transport and starts
// its reconnect poll. A non-positive pollInterval falls back to 30 seconds.
// Call Close to release the poll goroutine.
func NewManager(transport Transport, pollInterval time.Duration, logger *slog.Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	m := &Manager{
		transport:    transport,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("module", "client")),
		listeners:    make(map[int]func(bool)),
		done:         make(chan struct{}),
	}
	go m.reconnectLoop()

	return m
}

// Connect establishes the persistent connection with the given credential.
// The credential is remembered for later reconnect attempts. An existing
// connection is replaced.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	conn, err := m.transport.Dial(ctx, credential)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &NetworkError{Op: "dial", Err: err}
	}

	m.mu.Lock()
	old := m.conn
	m.conn = conn
	m.credential = credential
	m.everConnected = true
	m.lastGood = time.Now()
	m.retries = 0
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go m.watch(conn)
	m.notify(true)

	return nil
}

// Disconnect releases the connection. It is idempotent. An explicit
// disconnect disarms the reconnect poll; only drops the transport detects on
// its own are retried automatically.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.everConnected = false
	m.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close()
	m.notify(false)
}

// IsConnected returns the current connection state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// LastGood returns when the connection was last known healthy.
func (m *Manager) LastGood() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastGood
}

// AddListener registers a callback for connected/disconnected transitions and
// returns a handle for removal. Each listener is invoked at most once per
// transition; delivery order across listeners is unspecified.
func (m *Manager) AddListener(fn func(connected bool)) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle := m.nextListener
	m.nextListener++
	m.listeners[handle] = fn

	return handle
}

// RemoveListener unregisters the listener for the given handle.
func (m *Manager) RemoveListener(handle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

// Send dispatches a request over the current connection. It fails with a
// NetworkError when disconnected; a failed write marks the connection down so
// the reconnect poll picks it up.
func (m *Manager) Send(ctx context.Context, req SendRequest, handlers StreamHandlers) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return &NetworkError{Op: "send", Err: errors.New("not connected")}
	}
	if err := conn.Send(ctx, req, handlers); err != nil {
		m.markDown(conn, err)
		return &NetworkError{Op: "send", Err: err}
	}

	m.mu.Lock()
	m.lastGood = time.Now()
	m.mu.Unlock()

	return nil
}

// Stop forwards a cancellation request for the conversation's in-flight
// generation.
func (m *Manager) Stop(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return &NetworkError{Op: "stop", Err: errors.New("not connected")}
	}
	if err := conn.Stop(ctx, conversationID); err != nil {
		return &NetworkError{Op: "stop", Err: err}
	}

	return nil
}

// Close releases the connection and the reconnect poll goroutine.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.Disconnect()
}

// watch waits for the connection to die on its own and reports the drop.
func (m *Manager) watch(conn Conn) {
	connDone := conn.Done()
	if connDone == nil {
		return
	}

	select {
	case <-m.done:
	case <-connDone:
		m.markDown(conn, errors.New("connection closed by peer"))
	}
}

// markDown clears the connection if conn is still the current one, leaving
// the reconnect poll armed.
func (m *Manager) markDown(conn Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()

	m.logger.Warn("Connection lost", slog.String(errLoggerKey, err.Error()))
	_ = conn.Close()
	m.notify(false)
}

func (m *Manager) notify(connected bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// reconnectLoop is a simple poll-and-retry: every pollInterval, if the
// connection is down and one was previously established, a reconnect is
// attempted with the remembered credential. Retry count is unbounded and
// resets on success.
func (m *Manager) reconnectLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			shouldRetry := m.conn == nil && m.everConnected
			credential := m.credential
			if shouldRetry {
				m.retries++
			}
			attempt := m.retries
			m.mu.Unlock()

			if !shouldRetry {
				continue
			}

			m.logger.Info("Attempting reconnect", slog.Int("attempt", attempt))
			ctx, cancel := context.WithTimeout(context.Background(), m.pollInterval)
			if err := m.Connect(ctx, credential); err != nil {
				m.logger.Warn("Reconnect failed",
					slog.Int("attempt", attempt),
					slog.String(errLoggerKey, err.Error()))
			}
			cancel()
		}
	}
}
