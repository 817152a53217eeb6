package mock

import (
	"sync"
	"time"

	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

// Receiver lets tests drive speaking edges and packets.
type Receiver struct {
	speaking chan transports.SpeakingEvent

	mu      sync.Mutex
	streams map[string]*AudioStream
	opened  map[string]int
}

func NewReceiver() *Receiver {
	return &Receiver{
		speaking: make(chan transports.SpeakingEvent, 64),
		streams:  make(map[string]*AudioStream),
		opened:   make(map[string]int),
	}
}

func (r *Receiver) Speaking() <-chan transports.SpeakingEvent { return r.speaking }

func (r *Receiver) Subscribe(speakerID string) (transports.AudioStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &AudioStream{packets: make(chan []byte, 64)}
	s.onClose = func() {
		r.mu.Lock()
		if r.streams[speakerID] == s {
			delete(r.streams, speakerID)
		}
		r.mu.Unlock()
	}
	if old, ok := r.streams[speakerID]; ok {
		old.closeChan()
	}
	r.streams[speakerID] = s
	r.opened[speakerID]++
	return s, nil
}

// StartSpeaking emits a speaking-start edge.
func (r *Receiver) StartSpeaking(speakerID string) {
	r.speaking <- transports.SpeakingEvent{SpeakerID: speakerID, Speaking: true, At: time.Now()}
}

// StopSpeaking emits a speaking-end edge.
func (r *Receiver) StopSpeaking(speakerID string) {
	r.speaking <- transports.SpeakingEvent{SpeakerID: speakerID, Speaking: false, At: time.Now()}
}

// Push delivers a packet to the speaker's open stream. It reports false when
// no stream is open.
func (r *Receiver) Push(speakerID string, packet []byte) bool {
	r.mu.Lock()
	s, ok := r.streams[speakerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.push(packet)
}

// Subscriptions is the number of streams ever opened for speakerID.
func (r *Receiver) Subscriptions(speakerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened[speakerID]
}

// Open is the number of currently open streams.
func (r *Receiver) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Receiver) closeAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*AudioStream)
	r.mu.Unlock()
	for _, s := range streams {
		s.closeChan()
	}
}

// AudioStream is an in-memory per-speaker packet stream.
type AudioStream struct {
	packets chan []byte
	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (s *AudioStream) Packets() <-chan []byte { return s.packets }

func (s *AudioStream) Close() {
	if s.closeChan() && s.onClose != nil {
		s.onClose()
	}
}

func (s *AudioStream) push(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.packets <- p
	return true
}

func (s *AudioStream) closeChan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.packets)
	return true
}
