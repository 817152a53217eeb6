package transports

import (
	"context"
	"io"
	"time"
)

// Transport joins voice channels on a chat platform.
// Implementations are responsible for their own gateway lifecycle.
type Transport interface {
	Name() string
	Join(ctx context.Context, guildID, channelID string) (Connection, error)
	// Connection returns the live voice connection in a guild, if any.
	Connection(guildID string) (Connection, bool)
}

// Connection is one voice-channel connection handle.
type Connection interface {
	GuildID() string
	ChannelID() string
	// Receiver exposes per-speaker inbound audio.
	Receiver() Receiver
	// Subscribe attaches a playback device to the connection. An error means
	// the channel refused the attachment.
	Subscribe() (Player, error)
	// Disconnect leaves the voice channel.
	Disconnect() error
	// Done is closed once the connection is gone, whether it was
	// disconnected locally or lost.
	Done() <-chan struct{}
}

// SpeakingEvent is one edge of a speaker's speaking-start/speaking-end pair.
type SpeakingEvent struct {
	SpeakerID string
	Speaking  bool
	At        time.Time
}

// Receiver demultiplexes inbound voice audio by speaker.
type Receiver interface {
	// Speaking delivers speaking edges. It has a single consumer.
	Speaking() <-chan SpeakingEvent
	// Subscribe opens the compressed packet stream of one speaker.
	Subscribe(speakerID string) (AudioStream, error)
}

// AudioStream carries one speaker's opus packets in arrival order.
type AudioStream interface {
	// Packets is closed when the stream ends.
	Packets() <-chan []byte
	Close()
}

// Player plays raw PCM16 mono 48kHz resources on a connection.
type Player interface {
	// Play replaces the current resource with src. The returned channel is
	// closed once src is exhausted or playback is stopped.
	Play(src io.Reader) <-chan struct{}
	// Stop ends the current resource immediately.
	Stop()
	// Close stops playback and releases the subscription.
	Close() error
}
