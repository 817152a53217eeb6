package mock

import (
	"bytes"
	"io"
	"sync"
)

// Player records everything it is asked to play.
type Player struct {
	mu      sync.Mutex
	current *playback
	played  [][]byte
	plays   int
	stops   int
	closed  bool
	hold    chan struct{}
}

type playback struct {
	buf  bytes.Buffer
	done chan struct{}
	once sync.Once
}

func (p *playback) finish() { p.once.Do(func() { close(p.done) }) }

func NewPlayer() *Player { return &Player{} }

// HoldCompletion keeps played resources from completing after their source
// is exhausted until ReleaseCompletion.
func (p *Player) HoldCompletion() {
	p.mu.Lock()
	p.hold = make(chan struct{})
	p.mu.Unlock()
}

func (p *Player) ReleaseCompletion() {
	p.mu.Lock()
	if p.hold != nil {
		close(p.hold)
		p.hold = nil
	}
	p.mu.Unlock()
}

func (p *Player) Play(src io.Reader) <-chan struct{} {
	pb := &playback{done: make(chan struct{})}
	p.mu.Lock()
	if p.current != nil {
		p.current.finish()
	}
	p.current = pb
	p.plays++
	hold := p.hold
	p.mu.Unlock()

	go func() {
		defer pb.finish()
		chunk := make([]byte, 4096)
		for {
			n, err := src.Read(chunk)
			if n > 0 {
				p.mu.Lock()
				pb.buf.Write(chunk[:n])
				p.mu.Unlock()
			}
			if err != nil {
				break
			}
		}
		p.mu.Lock()
		p.played = append(p.played, append([]byte(nil), pb.buf.Bytes()...))
		p.mu.Unlock()
		if hold != nil {
			select {
			case <-hold:
			case <-pb.done:
			}
		}
	}()
	return pb.done
}

func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	if p.current != nil {
		p.current.finish()
		p.current = nil
	}
}

func (p *Player) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Player) reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// Played returns the bytes of every resource that reached end of source.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

// Current returns the bytes read so far from the current resource.
func (p *Player) Current() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return append([]byte(nil), p.current.buf.Bytes()...)
}

func (p *Player) Plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
