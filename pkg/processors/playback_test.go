package processors

import (
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/GitFitCode/discord-convo-bot/pkg/audio"
	"github.com/GitFitCode/discord-convo-bot/pkg/metrics"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports/mock"
)

// tapConverter passes bytes through and records what the stage fed it.
type tapConverter struct {
	mu      sync.Mutex
	input   []byte
	flushes int
	fail    bool
}

func (c *tapConverter) Convert(p []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, errors.New("converter broke")
	}
	c.input = append(c.input, p...)
	return append([]byte(nil), p...), nil
}

func (c *tapConverter) Flush() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil, nil
}

func (c *tapConverter) snapshot() ([]byte, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.input...), c.flushes
}

type tapFactory struct {
	mu    sync.Mutex
	made  []*tapConverter
	fails map[int]bool
}

func (f *tapFactory) New() (audio.Converter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &tapConverter{fail: f.fails[len(f.made)]}
	f.made = append(f.made, c)
	return c, nil
}

func (f *tapFactory) get(i int) *tapConverter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

type recordingListener struct {
	mu     sync.Mutex
	events []PlaybackStateChange
}

func (l *recordingListener) OnPlaybackStateChange(ev PlaybackStateChange) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *recordingListener) path() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.From.String()+">"+ev.To.String())
	}
	return out
}

func newTestPlayback(t *testing.T, factory *tapFactory) (*PlaybackPipeline, *mock.Player, *metrics.MemoryObserver) {
	t.Helper()
	player := mock.NewPlayer()
	obs := metrics.NewMemoryObserver()
	p := NewPlaybackPipeline(player, PlaybackConfig{
		SessionID:    "s1",
		ChannelID:    "c1",
		NewConverter: factory.New,
		Observer:     obs,
	})
	t.Cleanup(func() { _ = p.Close() })
	return p, player, obs
}

func decodeB64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestPlaybackFeedsConcatenatedFragmentsAndFlushesOnce(t *testing.T) {
	factory := &tapFactory{}
	p, player, _ := newTestPlayback(t, factory)

	require.NoError(t, p.OnAudioFragment(decodeB64(t, "AA==")))
	require.NoError(t, p.OnAudioFragment(decodeB64(t, "AQ==")))
	p.OnAudioComplete()
	p.OnAudioComplete()

	waitFor(t, func() bool { return p.State() == PlaybackIdle })
	input, flushes := factory.get(0).snapshot()
	assert.Equal(t, []byte{0x00, 0x01}, input)
	assert.Equal(t, 1, flushes)
	require.Len(t, player.Played(), 1)
	assert.Equal(t, []byte{0x00, 0x01}, player.Played()[0])
}

func TestPlaybackConcatenatesAnyFragmentSequence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		factory := &tapFactory{}
		player := mock.NewPlayer()
		p := NewPlaybackPipeline(player, PlaybackConfig{NewConverter: factory.New})
		defer func() { _ = p.Close() }()

		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 1, 32), 1, 12).Draw(rt, "chunks")
		var want []byte
		for _, c := range chunks {
			want = append(want, c...)
			decoded, err := base64.StdEncoding.DecodeString(base64.StdEncoding.EncodeToString(c))
			if err != nil {
				rt.Fatalf("decode: %v", err)
			}
			if err := p.OnAudioFragment(decoded); err != nil {
				rt.Fatalf("fragment: %v", err)
			}
		}
		p.OnAudioComplete()

		require.Eventually(t, func() bool { return p.State() == PlaybackIdle }, 2*time.Second, time.Millisecond)
		input, flushes := factory.get(0).snapshot()
		if string(input) != string(want) {
			rt.Fatalf("stage input %x, want %x", input, want)
		}
		if flushes != 1 {
			rt.Fatalf("flushed %d times", flushes)
		}
	})
}

func TestPlaybackStateTransitions(t *testing.T) {
	factory := &tapFactory{}
	p, player, obs := newTestPlayback(t, factory)
	listener := &recordingListener{}
	p.AddListener(listener)
	player.HoldCompletion()

	assert.Equal(t, PlaybackIdle, p.State())
	p.OnAudioComplete()
	assert.Equal(t, PlaybackIdle, p.State())

	require.NoError(t, p.OnAudioFragment([]byte{1, 2}))
	assert.Equal(t, PlaybackPlaying, p.State())
	assert.NotEmpty(t, p.BufferID())

	p.OnAudioComplete()
	assert.Equal(t, PlaybackDraining, p.State())
	waitFor(t, func() bool { return len(player.Played()) == 1 })
	assert.Equal(t, PlaybackDraining, p.State())

	player.ReleaseCompletion()
	waitFor(t, func() bool { return p.State() == PlaybackIdle })
	assert.Empty(t, p.BufferID())
	assert.Equal(t, []string{"IDLE>PLAYING", "PLAYING>DRAINING", "DRAINING>IDLE"}, listener.path())
	assert.Equal(t, 1, obs.Count(metrics.EventPlaybackFinished))
}

func TestPlaybackFreshBufferAfterDrain(t *testing.T) {
	factory := &tapFactory{}
	p, player, _ := newTestPlayback(t, factory)

	require.NoError(t, p.OnAudioFragment([]byte{1}))
	first := p.BufferID()
	p.OnAudioComplete()
	waitFor(t, func() bool { return p.State() == PlaybackIdle })

	require.NoError(t, p.OnAudioFragment([]byte{2}))
	assert.NotEqual(t, first, p.BufferID())
	assert.Equal(t, PlaybackPlaying, p.State())
	assert.Equal(t, 2, player.Plays())

	input, _ := factory.get(1).snapshot()
	waitFor(t, func() bool { input, _ = factory.get(1).snapshot(); return len(input) == 1 })
	assert.Equal(t, []byte{2}, input)
	old, _ := factory.get(0).snapshot()
	assert.Equal(t, []byte{1}, old)
}

func TestPlaybackResetAbandonsWithoutDrain(t *testing.T) {
	factory := &tapFactory{}
	p, player, _ := newTestPlayback(t, factory)
	player.HoldCompletion()

	require.NoError(t, p.OnAudioFragment([]byte{1, 2, 3, 4}))
	p.OnAudioComplete()
	require.Equal(t, PlaybackDraining, p.State())

	p.Reset("remote_error")
	assert.Equal(t, PlaybackIdle, p.State())
	assert.Zero(t, p.liveBuffers())
	assert.GreaterOrEqual(t, player.Stops(), 1)

	p.Reset("again")
	assert.Equal(t, PlaybackIdle, p.State())
}

func TestPlaybackResetMidResponse(t *testing.T) {
	factory := &tapFactory{}
	p, _, _ := newTestPlayback(t, factory)

	require.NoError(t, p.OnAudioFragment([]byte{1}))
	p.Reset("remote_error")
	assert.Equal(t, PlaybackIdle, p.State())

	_, flushes := factory.get(0).snapshot()
	assert.Zero(t, flushes)
}

func TestPlaybackNewResponsePreemptsDrainingBuffer(t *testing.T) {
	factory := &tapFactory{}
	p, player, _ := newTestPlayback(t, factory)
	player.HoldCompletion()

	require.NoError(t, p.OnAudioFragment([]byte{1}))
	first := p.BufferID()
	p.OnAudioComplete()
	require.Equal(t, PlaybackDraining, p.State())

	require.NoError(t, p.OnAudioFragment([]byte{2}))
	assert.Equal(t, PlaybackPlaying, p.State())
	assert.NotEqual(t, first, p.BufferID())
	assert.Equal(t, 1, p.liveBuffers())
}

func TestPlaybackStageFailureDropsRestOfResponse(t *testing.T) {
	factory := &tapFactory{fails: map[int]bool{0: true}}
	p, player, obs := newTestPlayback(t, factory)

	require.NoError(t, p.OnAudioFragment([]byte{1}))
	waitFor(t, func() bool { return len(player.Played()) == 1 })
	require.NoError(t, p.OnAudioFragment([]byte{2}))
	assert.Equal(t, PlaybackPlaying, p.State())

	p.OnAudioComplete()
	assert.Equal(t, PlaybackIdle, p.State())
	assert.Equal(t, 1, obs.Count(metrics.EventPlaybackFinished))

	require.NoError(t, p.OnAudioFragment([]byte{3}))
	waitFor(t, func() bool { in, _ := factory.get(1).snapshot(); return len(in) == 1 })
	assert.Equal(t, 2, player.Plays())
}

func TestPlaybackCloseReleasesPlayer(t *testing.T) {
	factory := &tapFactory{}
	p, player, _ := newTestPlayback(t, factory)

	require.NoError(t, p.OnAudioFragment([]byte{1}))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.True(t, player.Closed())
	assert.Equal(t, PlaybackIdle, p.State())
	assert.ErrorIs(t, p.OnAudioFragment([]byte{2}), ErrPlaybackClosed)
}

func TestPlaybackSingleBufferInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		player := mock.NewPlayer()
		var made atomic.Int32
		p := NewPlaybackPipeline(player, PlaybackConfig{
			NewConverter: func() (audio.Converter, error) {
				made.Add(1)
				return &tapConverter{}, nil
			},
		})
		defer func() { _ = p.Close() }()

		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 40).Draw(rt, "ops")
		var fragments int32
		var idleSinceLastFragment bool
		for _, op := range ops {
			switch op {
			case 0, 1:
				before := p.State()
				if err := p.OnAudioFragment([]byte{byte(op)}); err != nil {
					rt.Fatalf("fragment: %v", err)
				}
				if before != PlaybackPlaying {
					fragments++
				}
				idleSinceLastFragment = false
			case 2:
				p.OnAudioComplete()
			case 3:
				p.Reset("fuzz")
				idleSinceLastFragment = true
			}
			if live := p.liveBuffers(); live > 1 {
				rt.Fatalf("%d buffers alive", live)
			}
			if idleSinceLastFragment && p.State() != PlaybackIdle {
				rt.Fatalf("state %s after reset", p.State())
			}
		}
		if got := made.Load(); got != fragments {
			rt.Fatalf("created %d buffers, expected %d", got, fragments)
		}
	})
}
