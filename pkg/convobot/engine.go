package convobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/observers"
	"github.com/GitFitCode/discord-convo-bot/pkg/redact"
	"github.com/GitFitCode/discord-convo-bot/pkg/resilience"
	"github.com/GitFitCode/discord-convo-bot/pkg/runner"
	"github.com/GitFitCode/discord-convo-bot/pkg/session"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports/discord"
)

const (
	drainTimeout    = 30 * time.Second
	sessionWaitTime = 20 * time.Second
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Session is the Discord gateway session. When nil and Transport is nil
	// one is built from the bot token.
	Session *discordgo.Session
	// Transport replaces the Discord voice transport.
	Transport transports.Transport
	// Metrics receives the relay collectors; nil creates a private registry.
	Metrics *prometheus.Registry
	Logger  *slog.Logger

	OnTranscript func(frames.TextFrame)

	// Codec factories; nil selects opus and linear resampling.
	NewDecoder           func() (audio.Decoder, error)
	NewCaptureConverter  func() (audio.Converter, error)
	NewPlaybackConverter func() (audio.Converter, error)
}

// Engine owns the gateway session, the voice transport and every relay
// session of the process.
type Engine struct {
	cfg       Config
	opts      EngineOptions
	logger    *slog.Logger
	providers *ProviderRegistry
	discord   *discordgo.Session
	transport transports.Transport
	commands  *discord.Commands
	registry  *session.Registry
	breaker   *resilience.CircuitBreaker
	metrics   *prometheus.Registry
	asyncObs  *metrics.AsyncObserver
	runner    *runner.LifecycleRunner

	mu        sync.Mutex
	server    *http.Server
	drainOnce sync.Once
	drainErr  error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := logging.NewComponentLogger(opts.Logger, "engine")

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	promObs := metrics.NewPrometheusObserver(reg)
	latencyObs := observers.NewLatencyObserver(logger)
	latencyObs.OnMeasured(func(sessionID string, d time.Duration) {
		promObs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventResponseLatency,
			Time:  time.Now(),
			Value: d.Seconds(),
			Tags:  map[string]string{metrics.TagSession: sessionID},
		})
	})
	sinks := []metrics.Observer{observers.NewLoggerObserver(opts.Logger)}
	if path := cfg.Metrics.EventsFile; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics events file: %w", err)
		}
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	sampled := metrics.NewSamplingObserver(observers.NewMultiObserver(sinks...), cfg.Metrics.ChunkSampleRate,
		metrics.EventChunkForwarded, metrics.EventChunkQueued, metrics.EventRealtimeEvent)
	multiObs := observers.NewMultiObserver(latencyObs, promObs, sampled)

	e := &Engine{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		providers: providers,
		discord:   opts.Session,
		transport: opts.Transport,
		metrics:   reg,
		asyncObs:  metrics.NewAsyncObserver(multiObs, 2048),
	}
	e.registry = session.NewRegistry(e.newSession)
	e.breaker = resilience.NewCircuitBreaker(cfg.Realtime.Breaker.Threshold, cfg.Realtime.Breaker.Cooldown(), tripsBreaker)

	if e.transport == nil {
		if e.discord == nil {
			dg, err := discordgo.New("Bot " + cfg.Discord.Token)
			if err != nil {
				return nil, fmt.Errorf("create discord session: %w", err)
			}
			e.discord = dg
		}
		e.discord.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		e.transport = discord.New(e.discord, discord.Config{
			PacketBuffer: cfg.Capture.PacketBuffer,
			Logger:       opts.Logger,
		})
	}
	if e.discord != nil {
		e.commands = discord.NewCommands(e.discord, e, cfg.Discord.AppID, cfg.Discord.GuildID, opts.Logger)
	}

	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{
		OnStart: func() {
			e.logger.Info("engine_ready",
				slog.String("transport", e.transport.Name()),
				slog.String("realtime_provider", cfg.Realtime.Provider),
				slog.String("floor", string(cfg.Capture.FloorPolicy())))
		},
		OnStop: func() {
			e.asyncObs.Close()
			e.logger.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_sessions", e.registry.Count()),
				slog.Int64("dropped_metrics", e.asyncObs.Dropped()))
		},
	}, drainTimeout)
	return e, nil
}

// Run connects to Discord, registers the slash commands and blocks until
// ctx ends, then drains every session.
func (e *Engine) Run(ctx context.Context) error {
	if e.discord != nil {
		if err := e.discord.Open(); err != nil {
			return fmt.Errorf("open discord gateway: %w", err)
		}
		if err := e.commands.Register(); err != nil {
			_ = e.discord.Close()
			return fmt.Errorf("register commands: %w", err)
		}
	}
	if err := e.serveMetrics(); err != nil {
		return err
	}
	return e.runner.Run(ctx)
}

// Stop ends Run early.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) serveMetrics() error {
	if e.cfg.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.metrics, promhttp.HandlerOpts{Registry: e.metrics}))
	srv := &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	e.mu.Lock()
	e.server = srv
	e.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics_server_failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
	e.logger.Info("metrics_server_started", slog.String("addr", srv.Addr))
	return nil
}

// StartSession joins the voice channel and starts relaying. It reports false
// when the channel already has a session.
func (e *Engine) StartSession(ctx context.Context, guildID, channelID string) (bool, error) {
	if e.registry.Draining() {
		return false, session.ErrDraining
	}
	if conn, ok := e.transport.Connection(guildID); ok && conn.ChannelID() != channelID {
		// One voice connection per guild: the old channel's session ends.
		if _, err := e.registry.Leave(conn.ChannelID()); err != nil {
			e.logger.Warn("session_move_leave_failed",
				slog.String("channel_id", conn.ChannelID()),
				slog.String("error", err.Error()))
		}
	}

	if _, running := e.registry.Get(channelID); !running && !e.breaker.Allow() {
		return false, fmt.Errorf("%w: realtime connects suspended for %s",
			resilience.ErrCircuitOpen, e.breaker.RetryAfter().Round(time.Second))
	}

	conn, err := e.transport.Join(ctx, guildID, channelID)
	if err != nil {
		return false, err
	}
	_, created, err := e.registry.GetOrCreate(ctx, conn)
	if err != nil {
		if e.breaker.OnError(err) {
			e.logger.Warn("realtime_connect_breaker_open",
				slog.Duration("cooldown", e.breaker.RetryAfter()),
				slog.String("error", err.Error()))
		}
		if _, running := e.registry.Get(channelID); !running {
			_ = conn.Disconnect()
		}
		return false, err
	}
	if created {
		e.breaker.OnSuccess()
	}
	return created, nil
}

// tripsBreaker counts rate limits and failed realtime handshakes.
func tripsBreaker(err error) bool {
	return resilience.IsRateLimit(err) || errorsx.HasReason(err, errorsx.ReasonConnect)
}

// StopSession ends the guild's session and leaves voice. It reports false
// when the bot is not in a voice channel there.
func (e *Engine) StopSession(guildID string) (bool, error) {
	conn, ok := e.transport.Connection(guildID)
	if !ok {
		return false, nil
	}
	left, err := e.registry.Leave(conn.ChannelID())
	if !left {
		err = conn.Disconnect()
	}
	return true, err
}

func (e *Engine) newSession(_ context.Context, conn transports.Connection) (*session.Coordinator, error) {
	id := uuid.NewString()
	client, err := e.providers.BuildRealtime(e.cfg.Realtime.Provider, e.cfg, SessionInfo{
		Config: realtime.Config{
			SessionID:  id,
			ChannelID:  conn.ChannelID(),
			TraceID:    id,
			SampleRate: e.cfg.Audio.RealtimeSampleRate,
		},
		Observer: e.asyncObs,
		Logger:   e.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return session.NewCoordinator(conn, client, session.Options{
		SessionID:            id,
		InactivityTimeout:    e.cfg.Capture.InactivityTimeout(),
		Floor:                e.cfg.Capture.FloorPolicy(),
		InterruptOnSpeech:    e.cfg.Playback.InterruptOnSpeech,
		NewDecoder:           e.opts.NewDecoder,
		NewCaptureConverter:  e.opts.NewCaptureConverter,
		NewPlaybackConverter: e.opts.NewPlaybackConverter,
		OnTranscript:         e.opts.OnTranscript,
		Observer:             e.asyncObs,
		Logger:               e.opts.Logger,
	}), nil
}

// Drain closes every session, leaves voice and releases the gateway. It is
// the runner's drainer and safe to call more than once.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() {
		e.registry.SetDraining(true)
		e.registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), sessionWaitTime)
		defer cancel()
		if !e.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
			e.logger.Warn("drain_sessions_timeout", slog.Int64("active_sessions", e.registry.Count()))
		}

		var errs []error
		if dc, ok := e.transport.(interface{ DisconnectAll() }); ok {
			dc.DisconnectAll()
		}
		if e.commands != nil {
			errs = append(errs, e.commands.Unregister())
		}
		e.mu.Lock()
		srv := e.server
		e.mu.Unlock()
		if srv != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, srv.Shutdown(shutdownCtx))
			cancelShutdown()
		}
		if e.discord != nil {
			errs = append(errs, e.discord.Close())
		}
		e.drainErr = errors.Join(errs...)
	})
	return e.drainErr
}

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

// Gatherer exposes the relay collectors.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.metrics }

var _ discord.Engine = (*Engine)(nil)
