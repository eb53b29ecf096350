package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventRecorder collects handler callbacks on a channel so tests can assert
// the synthesized lifecycle order.
type eventRecorder struct {
	events chan string
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan string, 64)}
}

func (r *eventRecorder) handlers() client.StreamHandlers {
	return client.StreamHandlers{
		OnStart: func() { r.events <- "start" },
		OnStatusUpdate: func(status models.MessageStatus, _ int) {
			r.events <- "status:" + string(status)
		},
		OnToken: func(text string) { r.events <- "token:" + text },
		OnComplete: func(final models.Message) {
			r.events <- "complete:" + final.Content
		},
		OnError: func(message string) { r.events <- "error:" + message },
	}
}

func (r *eventRecorder) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestDirectConnSynthesizesLifecycle(t *testing.T) {
	generate := func(_ context.Context, _ client.SendRequest, emit func(string)) (string, error) {
		emit("Hel")
		emit("lo")
		return "Hello", nil
	}

	c := newDirectConn(generate, testLogger())
	defer c.Close()

	rec := newEventRecorder()
	if err := c.Send(context.Background(), client.SendRequest{ConversationID: "conv"}, rec.handlers()); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	want := []string{
		"start",
		"status:queued",
		"status:processing",
		"token:Hel",
		"token:lo",
		"complete:Hello",
	}
	for _, w := range want {
		if got := rec.next(t); got != w {
			t.Fatalf("event = %q, want %q", got, w)
		}
	}
}

func TestDirectConnReportsGenerationFailure(t *testing.T) {
	generate := func(context.Context, client.SendRequest, func(string)) (string, error) {
		return "", errors.New("model exploded")
	}

	c := newDirectConn(generate, testLogger())
	defer c.Close()

	rec := newEventRecorder()
	if err := c.Send(context.Background(), client.SendRequest{ConversationID: "conv"}, rec.handlers()); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	for {
		ev := rec.next(t)
		if ev == "error:model exploded" {
			return
		}
		if ev == "complete:" {
			t.Fatal("generation failure reported as completion")
		}
	}
}

func TestDirectConnStopCancelsGeneration(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	generate := func(ctx context.Context, _ client.SendRequest, _ func(string)) (string, error) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return "", ctx.Err()
	}

	c := newDirectConn(generate, testLogger())
	defer c.Close()

	rec := newEventRecorder()
	if err := c.Send(context.Background(), client.SendRequest{ConversationID: "conv"}, rec.handlers()); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	<-started
	if err := c.Stop(context.Background(), "conv"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	select {
	case err := <-finished:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("generation ended with %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("generation was not cancelled")
	}

	// A cooperative stop must not surface as a stream error.
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-rec.events:
			if ev == "error:"+context.Canceled.Error() {
				t.Fatalf("cancellation surfaced as stream error: %q", ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestDirectConnSendAfterClose(t *testing.T) {
	c := newDirectConn(func(context.Context, client.SendRequest, func(string)) (string, error) {
		return "", nil
	}, testLogger())

	if err := c.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := c.Send(context.Background(), client.SendRequest{ConversationID: "conv"}, client.StreamHandlers{}); err == nil {
		t.Error("Send after Close returned nil, want error")
	}
}

func TestPromptMessagesSkipsEmptyContent(t *testing.T) {
	req := client.SendRequest{
		Text: "new question",
		History: []models.Message{
			{Role: models.RoleUser, Content: "old question"},
			{Role: models.RoleAssistant, Content: ""},
			{Role: models.RoleAssistant, Content: "old answer"},
		},
	}

	msgs := promptMessages(req)
	if len(msgs) != 3 {
		t.Fatalf("got %d prompt messages, want 3", len(msgs))
	}
	if msgs[0].Content != "old question" {
		t.Errorf("first prompt message = %q", msgs[0].Content)
	}
	if msgs[1].Content != "old answer" {
		t.Errorf("second prompt message = %q", msgs[1].Content)
	}
	last := msgs[len(msgs)-1]
	if last.Role != string(models.RoleUser) || last.Content != "new question" {
		t.Errorf("last prompt message = %+v, want the new user text", last)
	}
}
