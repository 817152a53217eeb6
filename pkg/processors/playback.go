package processors

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

type PlaybackState int

const (
	// PlaybackIdle: no buffer exists.
	PlaybackIdle PlaybackState = iota
	// PlaybackPlaying: fragments of the current response are being appended
	// while earlier audio already plays.
	PlaybackPlaying
	// PlaybackDraining: input is finalized, converted audio is still playing.
	PlaybackDraining
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "IDLE"
	case PlaybackPlaying:
		return "PLAYING"
	case PlaybackDraining:
		return "DRAINING"
	default:
		return fmt.Sprintf("PlaybackState(%d)", int(s))
	}
}

// PlaybackStateChange represents a playback state transition event.
type PlaybackStateChange struct {
	From      PlaybackState
	To        PlaybackState
	BufferID  string
	Timestamp time.Time
	Reason    string
}

// PlaybackListener observes playback state changes.
type PlaybackListener interface {
	OnPlaybackStateChange(event PlaybackStateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From PlaybackState
	To   PlaybackState
}

func (e *InvalidTransitionError) Error() string {
	return "invalid playback transition from " + e.From.String() + " to " + e.To.String()
}

var ErrPlaybackClosed = errors.New("playback pipeline closed")

var playbackTransitions = map[PlaybackState][]PlaybackState{
	PlaybackIdle:     {PlaybackPlaying},
	PlaybackPlaying:  {PlaybackDraining, PlaybackIdle},
	PlaybackDraining: {PlaybackIdle, PlaybackPlaying},
}

type PlaybackConfig struct {
	SessionID    string
	ChannelID    string
	NewConverter func() (audio.Converter, error)
	Observer     metrics.Observer
	Logger       *slog.Logger
}

// PlaybackPipeline assembles response audio fragments into a single playable
// resource per response. At most one buffer exists at any time.
type PlaybackPipeline struct {
	cfg    PlaybackConfig
	logger *slog.Logger
	player transports.Player

	mu        sync.Mutex
	state     PlaybackState
	buf       *playbackBuffer
	listeners []PlaybackListener
	live      int
	closed    bool
}

type playbackBuffer struct {
	id        string
	stage     *audio.Stage
	done      <-chan struct{}
	started   time.Time
	fragments int
	bytes     int
	failed    bool
}

func NewPlaybackPipeline(player transports.Player, cfg PlaybackConfig) *PlaybackPipeline {
	if cfg.NewConverter == nil {
		cfg.NewConverter = func() (audio.Converter, error) {
			return audio.NewResampler(audio.RealtimeFormat, audio.VoicePlaybackFormat)
		}
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	return &PlaybackPipeline{
		cfg:    cfg,
		logger: logging.NewSessionLogger(cfg.Logger, "playback", cfg.SessionID, cfg.ChannelID),
		player: player,
	}
}

func (p *PlaybackPipeline) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BufferID returns the id of the current buffer, empty when idle.
func (p *PlaybackPipeline) BufferID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return ""
	}
	return p.buf.id
}

// AddListener registers a listener for state change events.
func (p *PlaybackPipeline) AddListener(listener PlaybackListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// OnAudioFragment appends decoded response audio to the current buffer,
// starting one when idle. A fragment arriving while the previous response
// drains abandons that buffer.
func (p *PlaybackPipeline) OnAudioFragment(pcm []byte) error {
	var changes []PlaybackStateChange
	defer func() { p.notify(changes) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPlaybackClosed
	}

	switch p.state {
	case PlaybackDraining:
		changes = append(changes, p.discardLocked(PlaybackIdle, "preempted")...)
		fallthrough
	case PlaybackIdle:
		ch, err := p.startLocked()
		if err != nil {
			return err
		}
		changes = append(changes, ch...)
	}

	buf := p.buf
	if buf.failed {
		return nil
	}
	if err := buf.stage.Write(pcm); err != nil {
		buf.failed = true
		p.logger.Warn("playback_fragment_rejected",
			slog.String("buffer_id", buf.id),
			slog.String("error", err.Error()))
		return nil
	}
	buf.fragments++
	buf.bytes += len(pcm)
	return nil
}

// OnAudioComplete finalizes the current buffer's input. The pipeline goes
// idle once the player has drained the converted audio.
func (p *PlaybackPipeline) OnAudioComplete() {
	var changes []PlaybackStateChange
	defer func() { p.notify(changes) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case PlaybackIdle:
		p.logger.Debug("playback_complete_without_buffer")
	case PlaybackDraining:
		p.logger.Debug("playback_duplicate_complete", slog.String("buffer_id", p.buf.id))
	case PlaybackPlaying:
		if p.buf.failed {
			changes = p.discardLocked(PlaybackIdle, "failed")
			return
		}
		p.buf.stage.CloseInput()
		if ch, err := p.transitionLocked(PlaybackDraining, "audio_complete"); err == nil {
			changes = append(changes, ch)
		}
		p.logger.Debug("playback_draining",
			slog.String("buffer_id", p.buf.id),
			slog.Int("fragments", p.buf.fragments),
			slog.Int("bytes", p.buf.bytes))
	}
}

// Reset abandons any in-flight buffer without waiting for it to drain.
func (p *PlaybackPipeline) Reset(reason string) {
	var changes []PlaybackStateChange
	defer func() { p.notify(changes) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf != nil {
		changes = p.discardLocked(PlaybackIdle, reason)
	}
}

// Close resets playback and releases the player subscription.
func (p *PlaybackPipeline) Close() error {
	p.Reset("closed")
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.player.Close()
}

func (p *PlaybackPipeline) startLocked() ([]PlaybackStateChange, error) {
	conv, err := p.cfg.NewConverter()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("playback converter: %w", err), errorsx.ReasonTranscode)
	}
	id := uuid.NewString()
	stage := audio.NewStage("playback:"+id, conv, p.cfg.Logger)
	buf := &playbackBuffer{
		id:      id,
		stage:   stage,
		done:    p.player.Play(stage.Reader()),
		started: time.Now(),
	}
	p.buf = buf
	p.live++
	ch, err := p.transitionLocked(PlaybackPlaying, "audio_fragment")
	if err != nil {
		return nil, err
	}
	go p.watch(buf)

	metrics.Emit(p.cfg.Observer, metrics.EventPlaybackStarted, 1, nil)
	p.logger.Debug("playback_buffer_started", slog.String("buffer_id", id))
	return []PlaybackStateChange{ch}, nil
}

// watch reacts to the player finishing a buffer's resource.
func (p *PlaybackPipeline) watch(buf *playbackBuffer) {
	<-buf.done

	var changes []PlaybackStateChange
	p.mu.Lock()
	if p.buf == buf {
		switch p.state {
		case PlaybackDraining:
			changes = p.discardLocked(PlaybackIdle, "drained")
		case PlaybackPlaying:
			// Ended before audio-complete: the stage failed or the player
			// dropped the resource. Drop the rest of this response.
			buf.failed = true
			attrs := []any{slog.String("buffer_id", buf.id)}
			if err := buf.stage.Err(); err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			p.logger.Warn("playback_buffer_failed", attrs...)
		}
	}
	p.mu.Unlock()
	p.notify(changes)
}

func (p *PlaybackPipeline) discardLocked(to PlaybackState, reason string) []PlaybackStateChange {
	buf := p.buf
	if buf == nil {
		return nil
	}
	if reason != "drained" {
		buf.stage.Abort()
		p.player.Stop()
	}
	ch, err := p.transitionLocked(to, reason)
	p.buf = nil
	p.live--

	metrics.Emit(p.cfg.Observer, metrics.EventPlaybackFinished, time.Since(buf.started).Seconds(),
		map[string]string{metrics.TagOutcome: reason})
	p.logger.Debug("playback_buffer_finished",
		slog.String("buffer_id", buf.id),
		slog.String("outcome", reason),
		slog.Int("fragments", buf.fragments))
	if err != nil {
		return nil
	}
	return []PlaybackStateChange{ch}
}

// transitionLocked moves to a new state with validation.
func (p *PlaybackPipeline) transitionLocked(to PlaybackState, reason string) (PlaybackStateChange, error) {
	from := p.state
	if !transitionValid(from, to) {
		return PlaybackStateChange{}, &InvalidTransitionError{From: from, To: to}
	}
	p.state = to
	ev := PlaybackStateChange{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	if p.buf != nil {
		ev.BufferID = p.buf.id
	}
	return ev, nil
}

func transitionValid(from, to PlaybackState) bool {
	for _, allowed := range playbackTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// notify runs outside the lock so listeners may call back into the pipeline.
func (p *PlaybackPipeline) notify(changes []PlaybackStateChange) {
	if len(changes) == 0 {
		return
	}
	p.mu.Lock()
	listeners := make([]PlaybackListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()
	for _, ev := range changes {
		for _, l := range listeners {
			l.OnPlaybackStateChange(ev)
		}
	}
}

func (p *PlaybackPipeline) liveBuffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
