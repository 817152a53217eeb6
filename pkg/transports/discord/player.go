package discord

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
)

// player encodes PCM16 mono 48kHz into 20ms stereo opus frames and feeds
// the connection's send channel.
type player struct {
	link       voiceLink
	logger     *slog.Logger
	onClose    func()
	newEncoder func() (audio.Encoder, error)

	mu      sync.Mutex
	current *track
	closed  bool
}

type track struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (t *track) finish() {
	t.once.Do(func() {
		close(t.stop)
		close(t.done)
	})
}

func newPlayer(link voiceLink, logger *slog.Logger) *player {
	return &player{link: link, logger: logger, newEncoder: newOpusEncoder}
}

func newOpusEncoder() (audio.Encoder, error) {
	return audio.NewOpusEncoder(audio.VoicePlaybackFormat, audio.VoiceChannels, audio.VoiceFrameSize)
}

func (p *player) Play(src io.Reader) <-chan struct{} {
	t := &track{stop: make(chan struct{}), done: make(chan struct{})}
	p.mu.Lock()
	if p.current != nil {
		p.current.finish()
	}
	if p.closed {
		p.mu.Unlock()
		t.finish()
		return t.done
	}
	p.current = t
	p.mu.Unlock()

	enc, err := p.newEncoder()
	if err != nil {
		p.logger.Error("voice_encoder_failed", slog.String("error", err.Error()))
		t.finish()
		return t.done
	}
	go p.stream(t, src, enc)
	return t.done
}

func (p *player) stream(t *track, src io.Reader, enc audio.Encoder) {
	defer t.finish()
	p.setSpeaking(true)
	defer func() {
		p.mu.Lock()
		superseded := p.current != nil && p.current != t
		if p.current == t {
			p.current = nil
		}
		p.mu.Unlock()
		if !superseded {
			p.setSpeaking(false)
		}
	}()

	frame := make([]byte, audio.VoiceFrameSize*audio.BytesPerSample)
	frames := 0
	for {
		n, err := io.ReadFull(src, frame)
		if n > 0 {
			clear(frame[n:])
			pkt, encErr := enc.Encode(frame)
			if encErr != nil {
				p.logger.Error("voice_encode_failed", slog.String("error", encErr.Error()))
				return
			}
			select {
			case p.link.send <- pkt:
				frames++
			case <-t.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.logger.Debug("voice_playback_source_ended", slog.String("error", err.Error()))
			}
			p.logger.Debug("voice_playback_finished", slog.Int("frames", frames))
			return
		}
	}
}

func (p *player) setSpeaking(on bool) {
	if p.link.speaking == nil {
		return
	}
	if err := p.link.speaking(on); err != nil {
		p.logger.Debug("voice_speaking_update_failed", slog.String("error", err.Error()))
	}
}

func (p *player) Stop() {
	p.mu.Lock()
	t := p.current
	p.current = nil
	p.mu.Unlock()
	if t != nil {
		t.finish()
	}
}

func (p *player) Close() error {
	p.Stop()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	if p.onClose != nil {
		p.onClose()
	}
	return nil
}
