package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/mthornley/chatstream/internal/client"
)

// OpenAI is a direct transport backed by the OpenAI chat completion API, or
// any OpenAI-compatible endpoint when a base URL is configured. It also
// generates conversation titles.
type OpenAI struct {
	apiKey      string
	baseURL     string
	model       string
	titlePrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates an OpenAI transport. baseURL may be empty for the
// official endpoint; set it to target OpenAI-compatible providers.
func NewOpenAI(apiKey, baseURL, model, titlePrompt string, logger *slog.Logger) OpenAI {
	return OpenAI{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		titlePrompt: titlePrompt,
		client:      newOpenAIClient(apiKey, baseURL),
		logger:      logger.With(slog.String("module", "openai")),
	}
}

func newOpenAIClient(apiKey, baseURL string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cfg)
}

// Dial implements client.Transport. The session credential overrides the
// configured API key when present; with neither, dialing fails with an
// AuthError.
func (o OpenAI) Dial(_ context.Context, credential string) (client.Conn, error) {
	cli := o.client
	if credential != "" && credential != o.apiKey {
		cli = newOpenAIClient(credential, o.baseURL)
	} else if o.apiKey == "" {
		return nil, &client.AuthError{Reason: "api key is required"}
	}

	generate := func(ctx context.Context, req client.SendRequest, emit func(token string)) (string, error) {
		return o.generate(ctx, cli, req, emit)
	}

	return newDirectConn(generate, o.logger), nil
}

func (o OpenAI) generate(
	ctx context.Context,
	cli *goopenai.Client,
	req client.SendRequest,
	emit func(token string),
) (string, error) {
	prompt := promptMessages(req)
	msgs := make([]goopenai.ChatCompletionMessage, len(prompt))
	for i, msg := range prompt {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	stream, err := cli.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("error receiving response: %w", err)
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta != "" {
			sb.WriteString(delta)
			emit(delta)
		}
	}

	return sb.String(), nil
}

// GenerateTitle produces a conversation title for the given first message.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: o.titlePrompt,
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: message,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}
