package models

import "testing"

func TestMessageStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from MessageStatus
		to   MessageStatus
		want bool
	}{
		{"sending to queued", StatusSending, StatusQueued, true},
		{"sending to processing skips queue", StatusSending, StatusProcessing, false},
		{"sending to error", StatusSending, StatusError, true},
		{"queued to processing", StatusQueued, StatusProcessing, true},
		{"queued to streaming skips processing", StatusQueued, StatusStreaming, false},
		{"queued to error", StatusQueued, StatusError, true},
		{"processing to streaming", StatusProcessing, StatusStreaming, true},
		{"processing to complete without tokens", StatusProcessing, StatusComplete, true},
		{"processing to error", StatusProcessing, StatusError, true},
		{"streaming to complete", StatusStreaming, StatusComplete, true},
		{"streaming to error", StatusStreaming, StatusError, true},
		{"streaming back to processing", StatusStreaming, StatusProcessing, false},
		{"complete is terminal", StatusComplete, StatusError, false},
		{"complete to streaming", StatusComplete, StatusStreaming, false},
		{"error is terminal", StatusError, StatusComplete, false},
		{"error to error", StatusError, StatusError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMessageStatusTerminal(t *testing.T) {
	terminal := map[MessageStatus]bool{
		StatusSending:    false,
		StatusQueued:     false,
		StatusProcessing: false,
		StatusStreaming:  false,
		StatusComplete:   true,
		StatusError:      true,
	}

	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
