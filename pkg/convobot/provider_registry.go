package convobot

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/configutil"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/providers/openai"
)

// SessionInfo describes the session a realtime client is built for.
type SessionInfo struct {
	realtime.Config
	Observer metrics.Observer
	Logger   *slog.Logger
}

type RealtimeFactory func(cfg Config, info SessionInfo) (realtime.Client, error)

type ProviderRegistry struct {
	realtime map[string]RealtimeFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{realtime: make(map[string]RealtimeFactory)}
}

// DefaultProviders registers every built-in realtime provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterRealtime("openai", newOpenAIClient)
	return r
}

func (r *ProviderRegistry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.realtime[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildRealtime(provider string, cfg Config, info SessionInfo) (realtime.Client, error) {
	fn := r.realtime[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("realtime provider not registered: %s", provider)
	}
	return fn(cfg, info)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type openAISettings struct {
	APIKey       string   `mapstructure:"api_key"`
	Model        string   `mapstructure:"model"`
	URL          string   `mapstructure:"url"`
	Voice        string   `mapstructure:"voice"`
	Instructions string   `mapstructure:"instructions"`
	Modalities   []string `mapstructure:"modalities"`
}

var openAISchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "url", "voice", "instructions", "modalities"},
}

func newOpenAIClient(cfg Config, info SessionInfo) (realtime.Client, error) {
	if err := configutil.ValidateSettings(cfg.Realtime.Settings, openAISchema); err != nil {
		return nil, fmt.Errorf("realtime.settings: %w", err)
	}
	var s openAISettings
	if err := configutil.DecodeSettings(cfg.Realtime.Settings, &s); err != nil {
		return nil, err
	}
	return openai.NewRealtimeClient(openai.Config{
		APIKey:       s.APIKey,
		Model:        s.Model,
		URL:          s.URL,
		Voice:        s.Voice,
		Instructions: s.Instructions,
		Modalities:   s.Modalities,
		SessionID:    info.SessionID,
		ChannelID:    info.ChannelID,
		Observer:     info.Observer,
		Logger:       info.Logger,
	}), nil
}
