package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/aggregators"
	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/processors"
	"github.com/GitFitCode/discord-convo-bot/pkg/redact"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrSessionClosed  = errors.New("session closed while starting")
)

type Options struct {
	// SessionID identifies the session in logs and metrics; empty picks a
	// random uuid.
	SessionID         string
	InactivityTimeout time.Duration
	Floor             processors.FloorPolicy
	// InterruptOnSpeech stops the current response when the remote side
	// detects new user speech.
	InterruptOnSpeech bool

	// Codec factories; nil selects opus decoding and linear resampling.
	NewDecoder           func() (audio.Decoder, error)
	NewCaptureConverter  func() (audio.Converter, error)
	NewPlaybackConverter func() (audio.Converter, error)

	OnTranscript func(frames.TextFrame)
	Observer     metrics.Observer
	Logger       *slog.Logger
}

// Coordinator ties one voice connection to one realtime client for the
// lifetime of a relay session. Teardown leaves the voice connection up.
type Coordinator struct {
	id     string
	conn   transports.Connection
	client realtime.Client
	opts   Options
	logger *slog.Logger

	capture    *processors.CaptureManager
	playback   *processors.PlaybackPipeline
	transcript *aggregators.Transcript

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   chan struct{}

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	err       error
	onClosed  []func(*Coordinator)
	closeOnce sync.Once
}

func NewCoordinator(conn transports.Connection, client realtime.Client, opts Options) *Coordinator {
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		id:       id,
		conn:     conn,
		client:   client,
		opts:     opts,
		logger:   logging.NewSessionLogger(opts.Logger, "session", id, conn.ChannelID()),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		closed:   make(chan struct{}),
		transcript: aggregators.NewTranscript(id, map[string]string{
			frames.MetaChannelID: conn.ChannelID(),
			frames.MetaGuildID:   conn.GuildID(),
		}, aggregators.TranscriptConfig{}),
	}
}

func (c *Coordinator) ID() string        { return c.id }
func (c *Coordinator) ChannelID() string { return c.conn.ChannelID() }
func (c *Coordinator) GuildID() string   { return c.conn.GuildID() }

// Connection returns the voice connection the session relays for.
func (c *Coordinator) Connection() transports.Connection { return c.conn }

// Done is closed once the session has been torn down.
func (c *Coordinator) Done() <-chan struct{} { return c.closed }

// Err reports the terminal error that ended the session, nil for a local
// close.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnClosed registers fn to run once after teardown.
func (c *Coordinator) OnClosed(fn func(*Coordinator)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = append(c.onClosed, fn)
}

// ActiveSpeakers is the number of open speaker streams.
func (c *Coordinator) ActiveSpeakers() int {
	c.mu.Lock()
	capture := c.capture
	c.mu.Unlock()
	if capture == nil {
		return 0
	}
	return capture.ActiveSpeakers()
}

// PlaybackState is the state of the response playback pipeline.
func (c *Coordinator) PlaybackState() processors.PlaybackState {
	c.mu.Lock()
	playback := c.playback
	c.mu.Unlock()
	if playback == nil {
		return processors.PlaybackIdle
	}
	return playback.State()
}

// Start attaches playback to the voice connection, opens the realtime
// connection and begins capture. A refused playback subscription fails the
// session before anything else starts.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	player, err := c.conn.Subscribe()
	if err != nil {
		err = errorsx.Wrap(fmt.Errorf("subscribe player on %s: %w", c.conn.ChannelID(), err), errorsx.ReasonSubscription)
		c.logger.Error("session_subscription_refused", slog.String("error", err.Error()))
		close(c.loopDone)
		c.shutdown(err, "subscription_refused")
		return err
	}
	playback := processors.NewPlaybackPipeline(player, processors.PlaybackConfig{
		SessionID:    c.id,
		ChannelID:    c.conn.ChannelID(),
		NewConverter: c.opts.NewPlaybackConverter,
		Observer:     c.opts.Observer,
		Logger:       c.opts.Logger,
	})
	c.mu.Lock()
	c.playback = playback
	c.mu.Unlock()

	// The client lives as long as the session; ctx only bounds startup.
	stopStartup := context.AfterFunc(ctx, c.cancel)
	defer stopStartup()
	if err := c.client.Start(c.ctx); err != nil {
		c.logger.Error("session_realtime_start_failed", slog.String("error", err.Error()))
		close(c.loopDone)
		c.shutdown(err, "connect_failed")
		return err
	}

	// Close or the startup ctx may have ended the session while connecting.
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		close(c.loopDone)
		c.shutdown(ctx.Err(), "connect_failed")
		_ = c.client.Close()
		if err := c.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	}
	capture := processors.NewCaptureManager(c.conn.Receiver(), c.client, processors.CaptureConfig{
		SessionID:         c.id,
		ChannelID:         c.conn.ChannelID(),
		InactivityTimeout: c.opts.InactivityTimeout,
		Floor:             c.opts.Floor,
		NewDecoder:        c.opts.NewDecoder,
		NewConverter:      c.opts.NewCaptureConverter,
		Observer:          c.opts.Observer,
		Logger:            c.opts.Logger,
	})
	c.capture = capture
	c.mu.Unlock()
	if err := capture.Start(c.ctx); err != nil {
		close(c.loopDone)
		c.shutdown(err, "capture_failed")
		return err
	}

	go c.loop()
	metrics.Emit(c.opts.Observer, metrics.EventSessionStarted, 1, nil)
	c.logger.Info("session_started",
		slog.String("guild_id", c.conn.GuildID()),
		slog.String("realtime", c.client.Name()))
	return nil
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	events := c.client.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.conn.Done():
			c.shutdown(errorsx.Newf(errorsx.ReasonVoiceLost, "voice connection to %s lost", c.conn.ChannelID()), "voice_lost")
			return
		case ev, ok := <-events:
			if !ok {
				cause := c.client.Err()
				reason := "connection_closed"
				if errorsx.HasReason(cause, errorsx.ReasonProtocolError) {
					reason = "remote_error"
				}
				c.shutdown(cause, reason)
				return
			}
			c.dispatch(ev)
		}
	}
}

func (c *Coordinator) dispatch(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SessionReady:
		c.logger.Info("realtime_session_ready")
	case realtime.SpeechStarted:
		c.logger.Debug("realtime_speech_started")
		if c.opts.InterruptOnSpeech && c.playback.State() != processors.PlaybackIdle {
			c.playback.Reset("barge_in")
			c.transcript.Reset()
		}
	case realtime.SpeechStopped:
		c.logger.Debug("realtime_speech_stopped")
	case realtime.InputCommitted:
		c.logger.Debug("realtime_input_committed")
	case realtime.AudioFragment:
		if err := c.playback.OnAudioFragment(e.Audio); err != nil {
			c.logger.Warn("playback_fragment_failed", slog.String("error", err.Error()))
		}
	case realtime.AudioComplete:
		c.playback.OnAudioComplete()
	case realtime.TextFragment:
		c.transcript.AddDelta(e.Delta)
	case realtime.TextComplete:
		if tf := c.transcript.Complete(e.Text); tf != nil {
			metrics.Emit(c.opts.Observer, metrics.EventTranscriptEmitted, 1, nil)
			c.logger.Info("response_transcript", slog.String("text", redact.Text(tf.Text())))
			if c.opts.OnTranscript != nil {
				c.opts.OnTranscript(*tf)
			}
		}
	case realtime.ResponseComplete:
		c.logger.Debug("realtime_response_complete")
	case realtime.Error:
		// The client closes itself after delivering this; stop sound now.
		c.playback.Reset("remote_error")
		c.transcript.Reset()
	case realtime.Unknown:
		c.logger.Debug("realtime_event_ignored", slog.String("type", e.Kind))
	default:
		c.logger.Warn("realtime_event_unhandled", slog.String("type", ev.Type()))
	}
}

// Close tears the relay down: speaker streams, the realtime connection and
// playback. The voice connection stays joined. Safe to call repeatedly.
func (c *Coordinator) Close() error {
	c.shutdown(nil, "closed")
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.loopDone
	}
	return nil
}

// Leave closes the session and disconnects from the voice channel.
func (c *Coordinator) Leave() error {
	_ = c.Close()
	if err := c.conn.Disconnect(); err != nil {
		c.logger.Warn("session_disconnect_failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (c *Coordinator) shutdown(cause error, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		capture, playback := c.capture, c.playback
		c.mu.Unlock()
		if capture != nil {
			capture.Close()
		}
		if err := c.client.Close(); err != nil {
			c.logger.Warn("session_client_close_failed", slog.String("error", err.Error()))
		}
		if playback != nil {
			if err := playback.Close(); err != nil {
				c.logger.Warn("session_player_release_failed", slog.String("error", err.Error()))
			}
		}
		c.transcript.Reset()

		c.mu.Lock()
		c.err = cause
		hooks := append([]func(*Coordinator){}, c.onClosed...)
		startedAt := c.startedAt
		c.mu.Unlock()
		close(c.closed)

		attrs := []any{slog.String("reason", reason)}
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		if reason == "subscription_refused" || reason == "connect_failed" || reason == "capture_failed" {
			c.logger.Info("session_aborted", attrs...)
		} else {
			metrics.Emit(c.opts.Observer, metrics.EventSessionEnded, time.Since(startedAt).Seconds(),
				map[string]string{metrics.TagReason: reason, metrics.TagSession: c.id})
			c.logger.Info("session_ended", attrs...)
		}
		for _, fn := range hooks {
			fn(c)
		}
	})
}
