package discord

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

type fakeVoice struct {
	recv chan *discordgo.Packet
	send chan []byte

	mu           sync.Mutex
	handler      func(*discordgo.VoiceSpeakingUpdate)
	speaking     []bool
	disconnected int
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{
		recv: make(chan *discordgo.Packet, 16),
		send: make(chan []byte, 64),
	}
}

func (f *fakeVoice) link() voiceLink {
	return voiceLink{
		guildID:   "g1",
		channelID: "c1",
		recv:      f.recv,
		send:      f.send,
		speaking: func(on bool) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.speaking = append(f.speaking, on)
			return nil
		},
		disconnect: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.disconnected++
			return nil
		},
		onSpeaking: func(fn func(*discordgo.VoiceSpeakingUpdate)) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.handler = fn
		},
	}
}

func (f *fakeVoice) update(userID string, ssrc int, speaking bool) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(&discordgo.VoiceSpeakingUpdate{UserID: userID, SSRC: ssrc, Speaking: speaking})
}

func (f *fakeVoice) speakingCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.speaking...)
}

// byteEncoder emits the first byte of each frame so tests can follow frames.
type byteEncoder struct{}

func (byteEncoder) Encode(pcm []byte) ([]byte, error) { return []byte{pcm[0]}, nil }

func newTestConnection(f *fakeVoice) *Connection {
	c := newConnection(f.link(), Config{PacketBuffer: 8}.withDefaults(), slog.New(slog.DiscardHandler))
	return c
}

func nextEvent(t *testing.T, ch <-chan transports.SpeakingEvent) transports.SpeakingEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no speaking event")
		return transports.SpeakingEvent{}
	}
}

func TestReceiverRoutesPacketsBySSRC(t *testing.T) {
	f := newFakeVoice()
	c := newTestConnection(f)
	defer c.retire()
	r := c.Receiver()

	f.update("alice", 11, true)
	ev := nextEvent(t, r.Speaking())
	assert.Equal(t, "alice", ev.SpeakerID)
	assert.True(t, ev.Speaking)

	stream, err := r.Subscribe("alice")
	require.NoError(t, err)

	f.recv <- &discordgo.Packet{SSRC: 99, Opus: []byte{9}}
	f.recv <- &discordgo.Packet{SSRC: 11, Opus: []byte{1}}
	f.recv <- &discordgo.Packet{SSRC: 11, Opus: []byte{2}}

	for _, want := range []byte{1, 2} {
		select {
		case p := <-stream.Packets():
			assert.Equal(t, []byte{want}, p)
		case <-time.After(time.Second):
			t.Fatal("packet not routed")
		}
	}

	f.update("alice", 11, false)
	ev = nextEvent(t, r.Speaking())
	assert.False(t, ev.Speaking)
}

func TestReceiverAnnouncesSpeakerWithoutStream(t *testing.T) {
	f := newFakeVoice()
	c := newTestConnection(f)
	defer c.retire()
	r := c.Receiver()

	f.update("bob", 22, true)
	nextEvent(t, r.Speaking())
	stream, err := r.Subscribe("bob")
	require.NoError(t, err)
	stream.Close()

	_, open := <-stream.Packets()
	assert.False(t, open)

	f.recv <- &discordgo.Packet{SSRC: 22, Opus: []byte{1}}
	f.recv <- &discordgo.Packet{SSRC: 22, Opus: []byte{2}}
	ev := nextEvent(t, r.Speaking())
	assert.Equal(t, "bob", ev.SpeakerID)
	assert.True(t, ev.Speaking)

	select {
	case extra := <-r.Speaking():
		t.Fatalf("unexpected second edge %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiverReannouncesAfterDroppedEdge(t *testing.T) {
	f := newFakeVoice()
	r := newReceiver(f.link(), 8, slog.New(slog.DiscardHandler))
	defer r.close()

	for len(r.speaking) < cap(r.speaking) {
		r.speaking <- transports.SpeakingEvent{SpeakerID: "filler", Speaking: true}
	}
	r.onSpeakingUpdate(&discordgo.VoiceSpeakingUpdate{UserID: "bob", SSRC: 22, Speaking: true})
	r.route(&discordgo.Packet{SSRC: 22, Opus: []byte{1}})

	for len(r.speaking) > 0 {
		<-r.speaking
	}
	r.route(&discordgo.Packet{SSRC: 22, Opus: []byte{2}})
	ev := nextEvent(t, r.Speaking())
	assert.Equal(t, "bob", ev.SpeakerID)
	assert.True(t, ev.Speaking)
}

func TestReceiverCloseEndsStreams(t *testing.T) {
	f := newFakeVoice()
	c := newTestConnection(f)
	r := c.Receiver()
	f.update("alice", 11, true)
	stream, err := r.Subscribe("alice")
	require.NoError(t, err)

	require.True(t, c.retire())
	_, open := <-stream.Packets()
	assert.False(t, open)

	_, err = r.Subscribe("alice")
	assert.Error(t, err)
}

func TestConnectionSingleSubscription(t *testing.T) {
	f := newFakeVoice()
	c := newTestConnection(f)

	p, err := c.Subscribe()
	require.NoError(t, err)
	_, err = c.Subscribe()
	assert.ErrorIs(t, err, errPlaybackAttached)

	require.NoError(t, p.Close())
	p2, err := c.Subscribe()
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	f.mu.Lock()
	assert.Equal(t, 1, f.disconnected)
	f.mu.Unlock()
	assert.NoError(t, p2.Close())

	_, err = c.Subscribe()
	assert.Error(t, err)
}

func newTestTransport(f *fakeVoice) (*Transport, *Connection) {
	tr := New(nil, Config{Logger: slog.New(slog.DiscardHandler)})
	c := newConnection(f.link(), tr.cfg, tr.logger)
	c.onDisconnect = func() { tr.forget("g1", c) }
	tr.conns["g1"] = c
	return tr, c
}

func requireClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
}

func TestTransportKickedFromChannel(t *testing.T) {
	f := newFakeVoice()
	tr, c := newTestTransport(f)

	tr.voiceStateChanged("g1", "c1")
	select {
	case <-c.Done():
		t.Fatal("same channel must keep the connection")
	default:
	}

	tr.voiceStateChanged("g1", "")
	requireClosed(t, c.Done())
	_, ok := tr.Connection("g1")
	assert.False(t, ok)
	f.mu.Lock()
	assert.Equal(t, 1, f.disconnected)
	f.mu.Unlock()
}

func TestTransportMovedToAnotherChannel(t *testing.T) {
	f := newFakeVoice()
	tr, c := newTestTransport(f)

	tr.voiceStateChanged("g1", "c2")
	requireClosed(t, c.Done())
	_, ok := tr.Connection("g1")
	assert.False(t, ok)
	f.mu.Lock()
	assert.Zero(t, f.disconnected)
	f.mu.Unlock()

	tr.voiceStateChanged("g2", "")
	tr.voiceStateChanged("g1", "")
}

func TestTransportIgnoresOtherUsers(t *testing.T) {
	f := newFakeVoice()
	tr, c := newTestTransport(f)
	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "bot"}

	tr.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "someone", GuildID: "g1"}})
	select {
	case <-c.Done():
		t.Fatal("another member leaving must not end the connection")
	default:
	}

	tr.onVoiceStateUpdate(s, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "bot", GuildID: "g1"}})
	requireClosed(t, c.Done())
}

func newTestPlayer(f *fakeVoice) *player {
	p := newPlayer(f.link(), slog.New(slog.DiscardHandler))
	p.newEncoder = func() (audio.Encoder, error) { return byteEncoder{}, nil }
	return p
}

func TestPlayerEncodesPaddedFrames(t *testing.T) {
	f := newFakeVoice()
	p := newTestPlayer(f)
	frameBytes := audio.VoiceFrameSize * audio.BytesPerSample

	src := append(bytes.Repeat([]byte{7}, frameBytes), bytes.Repeat([]byte{8}, 10)...)
	done := p.Play(bytes.NewReader(src))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("playback did not finish")
	}
	require.Len(t, f.send, 2)
	assert.Equal(t, []byte{7}, <-f.send)
	assert.Equal(t, []byte{8}, <-f.send)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]bool{true, false}, f.speakingCalls())
	}, time.Second, 5*time.Millisecond)
}

func TestPlayerStopEndsBlockedTrack(t *testing.T) {
	f := newFakeVoice()
	p := newTestPlayer(f)
	pr, pw := io.Pipe()
	defer pw.Close()

	done := p.Play(pr)
	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not complete the track")
	}
}

func TestPlayerReplaceCompletesPrevious(t *testing.T) {
	f := newFakeVoice()
	p := newTestPlayer(f)
	pr, pw := io.Pipe()
	defer pw.Close()

	first := p.Play(pr)
	second := p.Play(bytes.NewReader(nil))
	for _, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("track not completed")
		}
	}
	require.NoError(t, p.Close())
	closed := p.Play(bytes.NewReader([]byte{1}))
	_, open := <-closed
	assert.False(t, open)
}

func TestPlayerEncoderFailureCompletesTrack(t *testing.T) {
	f := newFakeVoice()
	p := newTestPlayer(f)
	p.newEncoder = func() (audio.Encoder, error) { return nil, errors.New("no codec") }
	_, open := <-p.Play(bytes.NewReader([]byte{1, 2}))
	assert.False(t, open)
}

func TestInteractionUser(t *testing.T) {
	member := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "m1"}},
	}}
	direct := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		User: &discordgo.User{ID: "u1"},
	}}
	assert.Equal(t, "m1", interactionUser(member))
	assert.Equal(t, "u1", interactionUser(direct))
	assert.Empty(t, interactionUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}
