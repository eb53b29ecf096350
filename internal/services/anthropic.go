package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/mthornley/chatstream/internal/client"
)

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion     = "2023-06-01"
)

// Anthropic is a direct transport backed by the Anthropic messages API. The
// streamed response arrives as server-sent events and is parsed with the
// go-sse reader. It also generates conversation titles.
type Anthropic struct {
	apiKey      string
	model       string
	maxTokens   int
	titlePrompt string

	client *http.Client

	logger *slog.Logger
}

// NewAnthropic creates an Anthropic transport with the specified API key,
// model name, and maximum token limit.
func NewAnthropic(apiKey, model, titlePrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	return Anthropic{
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		titlePrompt: titlePrompt,
		client:      &http.Client{},
		logger:      logger.With(slog.String("module", "anthropic")),
	}
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dial implements client.Transport. The session credential overrides the
// configured API key when present; with neither, dialing fails with an
// AuthError.
func (a Anthropic) Dial(_ context.Context, credential string) (client.Conn, error) {
	key := credential
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, &client.AuthError{Reason: "api key is required"}
	}

	dialed := a
	dialed.apiKey = key

	return newDirectConn(dialed.generate, a.logger), nil
}

func (a Anthropic) generate(ctx context.Context, req client.SendRequest, emit func(token string)) (string, error) {
	prompt := promptMessages(req)
	msgs := make([]anthropicMessage, len(prompt))
	for i, msg := range prompt {
		msgs[i] = anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := a.post(ctx, anthropicChatRequest{
		Model:     a.model,
		Messages:  msgs,
		MaxTokens: a.maxTokens,
		Stream:    true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from anthropic", resp.StatusCode)
	}

	var sb strings.Builder
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return "", fmt.Errorf("error reading response: %w", err)
		}
		switch ev.Type {
		case "error":
			var e anthropicError
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return "", fmt.Errorf("error unmarshaling error: %w", err)
			}
			return "", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
		case "message_stop":
			return sb.String(), nil
		case "content_block_delta":
			var res anthropicStreamResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				return "", fmt.Errorf("error unmarshaling response: %w", err)
			}
			if res.Delta.Text != "" {
				sb.WriteString(res.Delta.Text)
				emit(res.Delta.Text)
			}
		default:
			continue
		}
	}

	return sb.String(), nil
}

// GenerateTitle produces a conversation title for the given first message
// with a single non-streamed request.
func (a Anthropic) GenerateTitle(ctx context.Context, message string) (string, error) {
	resp, err := a.post(ctx, anthropicChatRequest{
		Model: a.model,
		Messages: []anthropicMessage{
			{
				Role:    "user",
				Content: message,
			},
		},
		System:    a.titlePrompt,
		MaxTokens: a.maxTokens,
		Stream:    false,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from anthropic", resp.StatusCode)
	}

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if len(res.Content) == 0 {
		return "", fmt.Errorf("empty response content")
	}

	return res.Content[0].Text, nil
}

func (a Anthropic) post(ctx context.Context, body anthropicChatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		anthropicAPIEndpoint+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	return resp, nil
}
