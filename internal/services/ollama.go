package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/mthornley/chatstream/internal/client"
)

// Ollama is a direct transport backed by an Ollama server: instead of
// forwarding requests to a remote chat backend, generations run against the
// local model and the lifecycle events are synthesized on the client side.
// It also generates conversation titles.
type Ollama struct {
	host        string
	model       string
	titlePrompt string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates an Ollama transport for the given host URL and model
// name. If the provided host URL is invalid, the function will panic.
func NewOllama(host, model, titlePrompt string, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:        host,
		model:       model,
		titlePrompt: titlePrompt,
		client:      api.NewClient(u, &http.Client{}),
		logger:      logger.With(slog.String("module", "ollama")),
	}
}

// Dial implements client.Transport. An Ollama server requires no credential;
// whatever is passed is accepted.
func (o Ollama) Dial(context.Context, string) (client.Conn, error) {
	return newDirectConn(o.generate, o.logger), nil
}

func (o Ollama) generate(ctx context.Context, req client.SendRequest, emit func(token string)) (string, error) {
	prompt := promptMessages(req)
	msgs := make([]api.Message, len(prompt))
	for i, msg := range prompt {
		msgs[i] = api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	t := true
	chatReq := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &t,
	}

	var sb strings.Builder
	err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
		if res.Message.Content != "" {
			sb.WriteString(res.Message.Content)
			emit(res.Message.Content)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return sb.String(), nil
}

// GenerateTitle produces a conversation title for the given first message
// with a single non-streamed completion.
func (o Ollama) GenerateTitle(ctx context.Context, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    "system",
				Content: o.titlePrompt,
			},
			{
				Role:    "user",
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
