package realtime

import (
	"context"
	"errors"

	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
)

// ErrNotOpen is returned when audio is sent on a connection that is not open.
var ErrNotOpen = errors.New("realtime connection not open")

// Client defines the contract for a streaming speech-to-speech vendor.
// A client is single use: once closed it never reopens.
type Client interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the connection.
	Start(ctx context.Context) error
	// Close shuts the connection down. Safe to call more than once.
	Close() error
	// SendAudio appends a captured audio frame to the remote input buffer.
	SendAudio(frame frames.AudioFrame) error
	// SendAudioChunk appends raw PCM16 in the vendor's input format.
	SendAudioChunk(pcm []byte) error
	// Events delivers inbound events in arrival order. Closed after Done.
	Events() <-chan Event
	// Done is closed once the connection is closed for any reason.
	Done() <-chan struct{}
	// Err reports why the connection closed, nil for a local Close.
	Err() error
}

// Config contains vendor-agnostic session configuration.
type Config struct {
	SessionID  string
	ChannelID  string
	TraceID    string
	SampleRate int
}
