package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/resilience"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readLimit        = 64 << 20
	eventBuffer      = 256
)

type Config struct {
	APIKey       string
	Model        string
	URL          string
	Voice        string
	Instructions string
	Modalities   []string
	SessionID    string
	ChannelID    string
	Observer     metrics.Observer
	Logger       *slog.Logger
}

type connState int32

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// RealtimeClient speaks the OpenAI Realtime websocket protocol. It is single
// use: after any close it stays closed.
type RealtimeClient struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	state   atomic.Int32
	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	err    error
	cancel context.CancelFunc

	events    chan realtime.Event
	done      chan struct{}
	closeOnce sync.Once
	sent      atomic.Int64
}

func NewRealtimeClient(cfg Config) *RealtimeClient {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	logger := logging.NewSessionLogger(cfg.Logger, "openai_realtime", cfg.SessionID, cfg.ChannelID)
	return &RealtimeClient{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		events: make(chan realtime.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (c *RealtimeClient) Name() string { return "openai_realtime" }

func (c *RealtimeClient) Start(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return errorsx.Newf(errorsx.ReasonConfig, "missing openai api key")
	}
	if !c.state.CompareAndSwap(int32(stateIdle), int32(stateConnecting)) {
		return fmt.Errorf("realtime client already %s", c.currentState())
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := c.buildURL()
	if err != nil {
		c.shutdown(errorsx.Wrap(err, errorsx.ReasonConfig))
		close(c.events)
		return c.Err()
	}

	c.logger.Info("realtime_connecting", slog.String("model", c.cfg.Model))
	conn, resp, err := c.dialer.DialContext(ctx, target, http.Header{
		"Authorization": []string{"Bearer " + c.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if resp != nil {
			attrs = append(attrs, slog.String("status", resp.Status))
		}
		c.logger.Error("realtime_connect_failed", attrs...)
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", resilience.RateLimitError{Provider: "openai", Message: resp.Status}, err)
		}
		connectErr := errorsx.Wrap(fmt.Errorf("dial realtime: %w", err), errorsx.ReasonConnect)
		c.shutdown(connectErr)
		close(c.events)
		return connectErr
	}
	conn.SetReadLimit(readLimit)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(stateConnecting), int32(stateOpen)) {
		// Closed while dialing.
		cancel()
		_ = conn.Close()
		close(c.events)
		return realtime.ErrNotOpen
	}
	c.logger.Info("realtime_connected")

	if err := c.sendSessionUpdate(); err != nil {
		c.logger.Warn("realtime_session_update_failed", slog.String("error", err.Error()))
	}

	go c.readLoop(conn)
	go func() {
		select {
		case <-runCtx.Done():
			c.shutdown(nil)
		case <-c.done:
		}
	}()
	return nil
}

func (c *RealtimeClient) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *RealtimeClient) SendAudio(frame frames.AudioFrame) error {
	return c.SendAudioChunk(frame.RawPayload())
}

// SendAudioChunk appends PCM16 mono 24kHz audio to the remote input buffer.
// Nothing is queued or retried when the connection is not open.
func (c *RealtimeClient) SendAudioChunk(pcm []byte) error {
	if st := c.currentState(); st != stateOpen {
		c.logger.Warn("realtime_send_rejected", slog.String("state", st.String()), slog.Int("bytes", len(pcm)))
		metrics.Emit(c.cfg.Observer, metrics.EventSendRejected, 1, nil)
		return realtime.ErrNotOpen
	}
	if len(pcm) == 0 {
		return nil
	}
	payload, err := encodeAppend(pcm)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSend)
	}
	if err := c.write(payload); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

func (c *RealtimeClient) Events() <-chan realtime.Event { return c.events }

func (c *RealtimeClient) Done() <-chan struct{} { return c.done }

func (c *RealtimeClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Sent reports how many append messages were written.
func (c *RealtimeClient) Sent() int64 { return c.sent.Load() }

func (c *RealtimeClient) currentState() connState {
	return connState(c.state.Load())
}

func (c *RealtimeClient) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *RealtimeClient) sendSessionUpdate() error {
	if c.cfg.Instructions == "" && c.cfg.Voice == "" && len(c.cfg.Modalities) == 0 {
		return nil
	}
	payload, err := json.Marshal(sessionUpdate{
		Type: realtime.TypeSessionUpdate,
		Session: sessionConfig{
			Modalities:        c.cfg.Modalities,
			Instructions:      c.cfg.Instructions,
			Voice:             c.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	})
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *RealtimeClient) write(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return realtime.ErrNotOpen
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		wrapped := errorsx.Wrap(fmt.Errorf("write realtime message: %w", err), errorsx.ReasonConnection)
		c.logger.Error("realtime_write_failed", slog.String("error", err.Error()))
		c.shutdown(wrapped)
		return errorsx.Wrap(fmt.Errorf("send: %w", err), errorsx.ReasonSend)
	}
	return nil
}

func (c *RealtimeClient) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.currentState() == stateClosed {
				return
			}
			c.logger.Error("realtime_read_failed", slog.String("error", err.Error()))
			c.shutdown(errorsx.Wrap(fmt.Errorf("read realtime message: %w", err), errorsx.ReasonConnection))
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("realtime_event_dropped", slog.String("error", err.Error()))
			continue
		}
		metrics.Emit(c.cfg.Observer, metrics.EventRealtimeEvent, 1, map[string]string{
			metrics.TagKind:    ev.Type(),
			metrics.TagSession: c.cfg.SessionID,
		})

		if remoteErr, ok := ev.(realtime.Error); ok {
			// Reject sends from here on, then deliver the error before closing.
			c.state.Store(int32(stateClosed))
			c.logger.Error("realtime_remote_error",
				slog.String("code", remoteErr.Code),
				slog.String("message", remoteErr.Message))
			select {
			case c.events <- remoteErr:
			case <-c.done:
			}
			c.shutdown(errorsx.Wrap(remoteErr, errorsx.ReasonProtocolError))
			return
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// shutdown closes the connection once. cause is nil for a local close.
func (c *RealtimeClient) shutdown(cause error) {
	c.closeOnce.Do(func() {
		prev := connState(c.state.Swap(int32(stateClosed)))

		c.mu.Lock()
		c.err = cause
		conn := c.conn
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		} else if prev == stateIdle {
			// Never started, so no read loop owns the channel.
			close(c.events)
		}
		close(c.done)

		attrs := []any{slog.String("previous_state", prev.String()), slog.Int64("chunks_sent", c.sent.Load())}
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		c.logger.Info("realtime_closed", attrs...)
	})
}

var _ realtime.Client = (*RealtimeClient)(nil)
