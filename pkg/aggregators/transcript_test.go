package aggregators

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitFitCode/discord-convo-bot/pkg/frames"
)

func TestTranscriptAssemblesDeltas(t *testing.T) {
	a := NewTranscript("s1", map[string]string{frames.MetaChannelID: "c1"}, TranscriptConfig{})
	a.AddDelta("Hel")
	a.AddDelta("lo there ")
	assert.Equal(t, "Hello there ", a.Pending())

	tf := a.Complete("")
	require.NotNil(t, tf)
	assert.Equal(t, "Hello there", tf.Text())
	assert.Equal(t, "s1", tf.Meta()[frames.MetaSessionID])
	assert.Equal(t, "c1", tf.Meta()[frames.MetaChannelID])
	assert.Empty(t, a.Pending())
}

func TestTranscriptFinalTextWins(t *testing.T) {
	a := NewTranscript("s1", nil, TranscriptConfig{})
	a.AddDelta("Hel")
	tf := a.Complete("Hello.")
	require.NotNil(t, tf)
	assert.Equal(t, "Hello.", tf.Text())
}

func TestTranscriptEmptyResponse(t *testing.T) {
	a := NewTranscript("s1", nil, TranscriptConfig{})
	assert.Nil(t, a.Complete("  "))
	assert.Empty(t, a.History())
}

func TestTranscriptCapsBufferedText(t *testing.T) {
	a := NewTranscript("s1", nil, TranscriptConfig{MaxChars: 5})
	a.AddDelta("abc")
	a.AddDelta("defgh")
	a.AddDelta("ij")
	assert.Equal(t, "abcde", a.Pending())
}

func TestTranscriptHistoryIsBounded(t *testing.T) {
	a := NewTranscript("s1", nil, TranscriptConfig{MaxHistory: 2})
	for _, s := range []string{"one", "two", "three"} {
		a.AddDelta(s)
		a.Complete("")
	}
	assert.Equal(t, []string{"two", "three"}, a.History())

	a.AddDelta("partial")
	a.Reset()
	assert.Nil(t, a.Complete(""))
	assert.Equal(t, "two three", strings.Join(a.History(), " "))
}
