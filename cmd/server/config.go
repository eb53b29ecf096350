package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mthornley/chatstream/internal/client"
	"github.com/mthornley/chatstream/internal/services"
	"github.com/mthornley/chatstream/internal/session"
)

// transportConfig builds the backend transport a config block describes, and
// optionally a title generator when the transport's provider can produce one.
type transportConfig interface {
	transport(titlePrompt string, logger *slog.Logger) (client.Transport, error)
	titleGenerator(titlePrompt string, logger *slog.Logger) (session.TitleGenerator, error)
}

type config struct {
	Port        string `yaml:"port"`
	TitlePrompt string `yaml:"titlePrompt"`

	// Credential is the opaque credential presented when connecting: a bearer
	// token for the websocket backend, an API key for direct providers.
	Credential string `yaml:"credential"`

	ReconnectInterval time.Duration `yaml:"-"`
	FlushInterval     time.Duration `yaml:"-"`

	Transport transportConfig `yaml:"-"`
}

type websocketConfig struct {
	URL string `yaml:"url"`
}

type ollamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

type openAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type anthropicConfig struct {
	APIKey    string `yaml:"apiKey"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"maxTokens"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port              string         `yaml:"port"`
		TitlePrompt       string         `yaml:"titlePrompt"`
		Credential        string         `yaml:"credential"`
		ReconnectInterval string         `yaml:"reconnectInterval"`
		FlushInterval     string         `yaml:"flushInterval"`
		Transport         map[string]any `yaml:"transport"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.TitlePrompt = rawConfig.TitlePrompt
	c.Credential = rawConfig.Credential
	if c.Credential == "" {
		c.Credential = os.Getenv("CHATSTREAM_CREDENTIAL")
	}

	var err error
	if c.ReconnectInterval, err = parseDuration(rawConfig.ReconnectInterval, 30*time.Second); err != nil {
		return fmt.Errorf("invalid reconnectInterval: %w", err)
	}
	if c.FlushInterval, err = parseDuration(rawConfig.FlushInterval, 50*time.Millisecond); err != nil {
		return fmt.Errorf("invalid flushInterval: %w", err)
	}

	kind, ok := rawConfig.Transport["kind"].(string)
	if !ok {
		return fmt.Errorf("transport kind is required")
	}

	transportRawYAML, err := yaml.Marshal(rawConfig.Transport)
	if err != nil {
		return err
	}

	var transport transportConfig
	switch kind {
	case "websocket":
		transport = &websocketConfig{}
	case "ollama":
		transport = &ollamaConfig{}
	case "openai":
		transport = &openAIConfig{}
	case "anthropic":
		transport = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown transport kind: %s", kind)
	}

	if err := yaml.Unmarshal(transportRawYAML, transport); err != nil {
		return err
	}
	c.Transport = transport

	return nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func (w websocketConfig) transport(_ string, logger *slog.Logger) (client.Transport, error) {
	if w.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	return client.NewWebSocket(w.URL, logger), nil
}

// titleGenerator returns nil for the websocket transport: the remote backend
// owns titles, and the orchestrator falls back to a text prefix.
func (w websocketConfig) titleGenerator(string, *slog.Logger) (session.TitleGenerator, error) {
	return nil, nil
}

func (o ollamaConfig) newOllama(titlePrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, titlePrompt, logger), nil
}

func (o ollamaConfig) transport(titlePrompt string, logger *slog.Logger) (client.Transport, error) {
	return o.newOllama(titlePrompt, logger)
}

func (o ollamaConfig) titleGenerator(titlePrompt string, logger *slog.Logger) (session.TitleGenerator, error) {
	return o.newOllama(titlePrompt, logger)
}

func (o openAIConfig) newOpenAI(titlePrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, titlePrompt, logger), nil
}

func (o openAIConfig) transport(titlePrompt string, logger *slog.Logger) (client.Transport, error) {
	return o.newOpenAI(titlePrompt, logger)
}

func (o openAIConfig) titleGenerator(titlePrompt string, logger *slog.Logger) (session.TitleGenerator, error) {
	return o.newOpenAI(titlePrompt, logger)
}

func (a anthropicConfig) newAnthropic(titlePrompt string, logger *slog.Logger) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return services.Anthropic{}, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, titlePrompt, a.MaxTokens, logger), nil
}

func (a anthropicConfig) transport(titlePrompt string, logger *slog.Logger) (client.Transport, error) {
	return a.newAnthropic(titlePrompt, logger)
}

func (a anthropicConfig) titleGenerator(titlePrompt string, logger *slog.Logger) (session.TitleGenerator, error) {
	return a.newAnthropic(titlePrompt, logger)
}
