package stream

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrBufferDisposed is returned by Append after Dispose has been called.
var ErrBufferDisposed = errors.New("token buffer disposed")

// DefaultFlushInterval bounds how often buffered tokens are delivered to the
// flush callback when no interval is configured.
const DefaultFlushInterval = 50 * time.Millisecond

// TokenBuffer accumulates incoming text fragments from an active generation
// and delivers them to a flush callback at a bounded cadence, so the consumer
// pays one update per batch instead of one per token. Tokens are delivered in
// arrival order, exactly once per batch.
//
// The buffer owns a timer goroutine for the lifetime between NewTokenBuffer
// and Dispose. Flush deliveries are serialized, and once Dispose returns no
// further delivery starts. The callback must not call back into the buffer.
type TokenBuffer struct {
	flushFn func(batch string)

	// deliverMu serializes flush deliveries so batches reach the callback in
	// extraction order even when a forced Flush races the timer.
	deliverMu sync.Mutex

	mu       sync.Mutex
	buf      strings.Builder
	disposed bool

	ticker *time.Ticker
	done   chan struct{}
}

// NewTokenBuffer creates a buffer flushing to flushFn every interval and
// starts its timer goroutine. A non-positive interval falls back to
// DefaultFlushInterval.
func NewTokenBuffer(interval time.Duration, flushFn func(batch string)) *TokenBuffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	b := &TokenBuffer{
		flushFn: flushFn,
		ticker:  time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go b.loop()

	return b
}

func (b *TokenBuffer) loop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush()
		}
	}
}

// Append accumulates a text fragment. It never triggers an immediate
// delivery; the fragment reaches the callback on the next flush. After
// Dispose, Append reports ErrBufferDisposed and the fragment is dropped.
func (b *TokenBuffer) Append(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrBufferDisposed
	}
	b.buf.WriteString(fragment)

	return nil
}

// Flush delivers the accumulated batch to the callback immediately,
// regardless of the timer. Used at stream completion to guarantee no trailing
// tokens are lost. A no-op when the buffer is empty or disposed.
func (b *TokenBuffer) Flush() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.disposed || b.buf.Len() == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf.String()
	b.buf.Reset()
	b.mu.Unlock()

	b.flushFn(batch)
}

// Dispose stops the timer and marks the buffer inert. Any accumulated text
// that was never flushed is returned so the caller can surface the discard;
// silent loss is reserved for this one explicit path. Dispose waits for an
// in-flight delivery to return, so once it returns no callback is running and
// none will start.
func (b *TokenBuffer) Dispose() string {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ""
	}
	b.disposed = true
	b.ticker.Stop()
	close(b.done)

	rest := b.buf.String()
	b.buf.Reset()

	return rest
}
