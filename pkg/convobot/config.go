package convobot

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/configutil"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/processors"
)

type Config struct {
	Discord   DiscordConfig  `mapstructure:"discord"`
	Realtime  VendorConfig   `mapstructure:"realtime"`
	Capture   CaptureConfig  `mapstructure:"capture"`
	Playback  PlaybackConfig `mapstructure:"playback"`
	Audio     AudioConfig    `mapstructure:"audio"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	LogLevel  string         `mapstructure:"log_level"`
	LogFormat string         `mapstructure:"log_format"`
	Privacy   PrivacyConfig  `mapstructure:"privacy"`
}

type DiscordConfig struct {
	Token string `mapstructure:"token"`
	AppID string `mapstructure:"app_id"`

	// GuildID scopes slash commands to one guild; empty registers them
	// globally.
	GuildID string `mapstructure:"guild_id"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
	Breaker  BreakerConfig  `mapstructure:"connect_breaker"`
}

// BreakerConfig suspends new sessions after consecutive connect failures.
type BreakerConfig struct {
	Threshold  int `mapstructure:"threshold"`
	CooldownMS int `mapstructure:"cooldown_ms"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownMS) * time.Millisecond
}

type CaptureConfig struct {
	InactivityTimeoutMS int    `mapstructure:"inactivity_timeout_ms"`
	Floor               string `mapstructure:"floor"`
	PacketBuffer        int    `mapstructure:"packet_buffer"`
}

func (c CaptureConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMS) * time.Millisecond
}

func (c CaptureConfig) FloorPolicy() processors.FloorPolicy {
	if strings.EqualFold(strings.TrimSpace(c.Floor), string(processors.FloorShared)) {
		return processors.FloorShared
	}
	return processors.FloorExclusive
}

type PlaybackConfig struct {
	InterruptOnSpeech bool `mapstructure:"interrupt_on_speech"`
}

type AudioConfig struct {
	VoiceSampleRate    int `mapstructure:"voice_sample_rate"`
	RealtimeSampleRate int `mapstructure:"realtime_sample_rate"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr"`

	// EventsFile receives relay events as JSON lines; empty disables it.
	EventsFile string `mapstructure:"events_file"`

	// ChunkSampleRate is the fraction of per-chunk events logged and written
	// to EventsFile. Prometheus always sees every event.
	ChunkSampleRate float64 `mapstructure:"chunk_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	// Registered so CONVOBOT_DISCORD_* variables are seen by Unmarshal.
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.app_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("realtime.provider", "openai")
	v.SetDefault("realtime.connect_breaker.threshold", 3)
	v.SetDefault("realtime.connect_breaker.cooldown_ms", 30000)
	v.SetDefault("capture.inactivity_timeout_ms", int(processors.DefaultInactivityTimeout/time.Millisecond))
	v.SetDefault("capture.floor", string(processors.FloorExclusive))
	v.SetDefault("capture.packet_buffer", 64)
	v.SetDefault("playback.interrupt_on_speech", false)
	v.SetDefault("audio.voice_sample_rate", audio.VoiceSampleRate)
	v.SetDefault("audio.realtime_sample_rate", audio.RealtimeSampleRate)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.events_file", "")
	v.SetDefault("metrics.chunk_sample_rate", 0.01)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded
// from the environment and CONVOBOT_* variables override file values.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("convobot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfig)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal config: %w", err), errorsx.ReasonConfig)
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) expandEnv() {
	c.Discord.Token = os.ExpandEnv(c.Discord.Token)
	c.Discord.AppID = os.ExpandEnv(c.Discord.AppID)
	c.Discord.GuildID = os.ExpandEnv(c.Discord.GuildID)
	c.Metrics.Addr = os.ExpandEnv(c.Metrics.Addr)
	c.Metrics.EventsFile = os.ExpandEnv(c.Metrics.EventsFile)
	c.Realtime.Settings = configutil.ExpandEnv(c.Realtime.Settings)
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Discord.Token, "discord.token"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Discord.AppID, "discord.app_id"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Realtime.Provider, "realtime.provider"); err != nil {
		return err
	}
	if err := configutil.OneOf(strings.ToLower(c.Capture.Floor), "capture.floor",
		string(processors.FloorExclusive), string(processors.FloorShared)); err != nil {
		return err
	}
	if c.Capture.InactivityTimeoutMS <= 0 {
		return errorsx.Newf(errorsx.ReasonConfig, "capture.inactivity_timeout_ms must be positive")
	}
	if c.Metrics.ChunkSampleRate < 0 || c.Metrics.ChunkSampleRate > 1 {
		return errorsx.Newf(errorsx.ReasonConfig, "metrics.chunk_sample_rate must be within [0, 1]")
	}
	if c.Audio.VoiceSampleRate != audio.VoiceSampleRate {
		return errorsx.Newf(errorsx.ReasonConfig, "audio.voice_sample_rate must be %d", audio.VoiceSampleRate)
	}
	if c.Audio.RealtimeSampleRate != audio.RealtimeSampleRate {
		return errorsx.Newf(errorsx.ReasonConfig, "audio.realtime_sample_rate must be %d", audio.RealtimeSampleRate)
	}
	return nil
}
