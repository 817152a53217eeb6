package session

import (
	"context"
	"sync"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
)

// fakeClient is an in-memory realtime.Client driven by the test.
type fakeClient struct {
	events    chan realtime.Event
	done      chan struct{}
	closeOnce sync.Once
	startErr  error
	// startGate, when set, holds Start until closed; the ctx is ignored.
	startGate chan struct{}

	mu     sync.Mutex
	open   bool
	err    error
	sent   [][]byte
	closes int
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan realtime.Event, 64), done: make(chan struct{})}
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		f.open = true
	}
	return nil
}

func (f *fakeClient) SendAudio(frame frames.AudioFrame) error {
	return f.SendAudioChunk(frame.Data())
}

func (f *fakeClient) SendAudioChunk(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return realtime.ErrNotOpen
	}
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeClient) Events() <-chan realtime.Event { return f.events }
func (f *fakeClient) Done() <-chan struct{}         { return f.done }

func (f *fakeClient) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.finish(nil)
	return nil
}

// emit delivers an inbound event; remote errors close the client after
// delivery like the websocket client does.
func (f *fakeClient) emit(ev realtime.Event) {
	if e, ok := ev.(realtime.Error); ok {
		f.mu.Lock()
		f.open = false
		f.mu.Unlock()
		f.events <- ev
		f.finish(errorsx.Wrap(e, errorsx.ReasonProtocolError))
		return
	}
	f.events <- ev
}

// drop simulates a socket failure.
func (f *fakeClient) drop(err error) {
	f.finish(errorsx.Wrap(err, errorsx.ReasonConnection))
}

func (f *fakeClient) finish(cause error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.open = false
		f.err = cause
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
}

func (f *fakeClient) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeClient) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
