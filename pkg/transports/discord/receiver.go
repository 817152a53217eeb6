package discord

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

// receiver demultiplexes the connection's opus stream by SSRC. Discord
// reports the SSRC to user mapping in speaking updates; packets for users
// without an open stream raise a speaking-start edge.
type receiver struct {
	link     voiceLink
	buffer   int
	logger   *slog.Logger
	speaking chan transports.SpeakingEvent
	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	users     map[uint32]string
	streams   map[string]*audioStream
	announced map[string]bool
	dropped   int
}

func newReceiver(link voiceLink, buffer int, logger *slog.Logger) *receiver {
	r := &receiver{
		link:      link,
		buffer:    buffer,
		logger:    logger,
		speaking:  make(chan transports.SpeakingEvent, 64),
		stop:      make(chan struct{}),
		users:     make(map[uint32]string),
		streams:   make(map[string]*audioStream),
		announced: make(map[string]bool),
	}
	if link.onSpeaking != nil {
		link.onSpeaking(r.onSpeakingUpdate)
	}
	go r.demux()
	return r
}

func (r *receiver) Speaking() <-chan transports.SpeakingEvent { return r.speaking }

func (r *receiver) Subscribe(userID string) (transports.AudioStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stop:
		return nil, errors.New("receiver closed")
	default:
	}
	if old, ok := r.streams[userID]; ok {
		old.closeLocked()
	}
	s := &audioStream{packets: make(chan []byte, r.buffer)}
	s.release = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.streams[userID] == s {
			delete(r.streams, userID)
			delete(r.announced, userID)
		}
		s.closeLocked()
	}
	r.streams[userID] = s
	delete(r.announced, userID)
	return s, nil
}

func (r *receiver) onSpeakingUpdate(vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	r.mu.Lock()
	r.users[uint32(vs.SSRC)] = vs.UserID
	if vs.Speaking {
		if r.announced[vs.UserID] || r.streams[vs.UserID] != nil {
			r.mu.Unlock()
			return
		}
		r.announced[vs.UserID] = true
	} else {
		delete(r.announced, vs.UserID)
	}
	r.mu.Unlock()
	if !r.emit(transports.SpeakingEvent{SpeakerID: vs.UserID, Speaking: vs.Speaking, At: time.Now()}) && vs.Speaking {
		r.unannounce(vs.UserID)
	}
}

func (r *receiver) demux() {
	for {
		select {
		case <-r.stop:
			return
		case pkt, ok := <-r.link.recv:
			if !ok {
				r.close()
				return
			}
			if pkt != nil {
				r.route(pkt)
			}
		}
	}
}

func (r *receiver) route(pkt *discordgo.Packet) {
	r.mu.Lock()
	user, known := r.users[pkt.SSRC]
	if !known {
		r.mu.Unlock()
		return
	}
	if s, ok := r.streams[user]; ok {
		if !s.offerLocked(pkt.Opus) {
			r.dropped++
			if r.dropped%100 == 1 {
				r.logger.Warn("voice_packet_dropped", slog.String("speaker_id", user), slog.Int("dropped", r.dropped))
			}
		}
		r.mu.Unlock()
		return
	}
	announce := !r.announced[user]
	r.announced[user] = true
	r.mu.Unlock()
	if announce && !r.emit(transports.SpeakingEvent{SpeakerID: user, Speaking: true, At: time.Now()}) {
		r.unannounce(user)
	}
}

// emit never blocks the demux loop; with no consumer edges are dropped.
func (r *receiver) emit(ev transports.SpeakingEvent) bool {
	select {
	case r.speaking <- ev:
		return true
	default:
		r.logger.Warn("voice_speaking_event_dropped",
			slog.String("speaker_id", ev.SpeakerID),
			slog.Bool("speaking", ev.Speaking))
		return false
	}
}

// unannounce lets the next packet from user raise a fresh speaking-start
// after a dropped one.
func (r *receiver) unannounce(user string) {
	r.mu.Lock()
	if r.streams[user] == nil {
		delete(r.announced, user)
	}
	r.mu.Unlock()
}

func (r *receiver) close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		for id, s := range r.streams {
			s.closeLocked()
			delete(r.streams, id)
		}
		r.mu.Unlock()
	})
}

// audioStream is guarded by its receiver's mutex.
type audioStream struct {
	packets chan []byte
	closed  bool
	release func()
	once    sync.Once
}

func (s *audioStream) Packets() <-chan []byte { return s.packets }

func (s *audioStream) Close() {
	s.once.Do(s.release)
}

func (s *audioStream) offerLocked(p []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.packets <- append([]byte(nil), p...):
		return true
	default:
		return false
	}
}

func (s *audioStream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.packets)
}
