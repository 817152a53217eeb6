package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want realtime.Event
	}{
		{"session ready", `{"type":"session.created","session":{}}`, realtime.SessionReady{}},
		{"speech started", `{"type":"input_audio_buffer.speech_started"}`, realtime.SpeechStarted{}},
		{"speech stopped", `{"type":"input_audio_buffer.speech_stopped"}`, realtime.SpeechStopped{}},
		{"committed", `{"type":"input_audio_buffer.committed"}`, realtime.InputCommitted{}},
		{"audio delta", `{"type":"response.audio.delta","delta":"AAE="}`, realtime.AudioFragment{Audio: []byte{0x00, 0x01}}},
		{"audio done", `{"type":"response.audio.done"}`, realtime.AudioComplete{}},
		{"text delta", `{"type":"response.text.delta","delta":"hel"}`, realtime.TextFragment{Delta: "hel"}},
		{"text done", `{"type":"response.text.done","text":"hello"}`, realtime.TextComplete{Text: "hello"}},
		{"transcript delta", `{"type":"response.audio_transcript.delta","delta":"hi"}`, realtime.TextFragment{Delta: "hi"}},
		{"transcript done", `{"type":"response.audio_transcript.done","transcript":"hi"}`, realtime.TextComplete{Text: "hi"}},
		{"response done", `{"type":"response.done","response":{}}`, realtime.ResponseComplete{}},
		{"error", `{"type":"error","error":{"type":"server_error","message":"x"}}`, realtime.Error{Code: "server_error", Message: "x"}},
		{"error without body", `{"type":"error"}`, realtime.Error{Message: "unspecified error"}},
		{"unknown", `{"type":"conversation.item.created"}`, realtime.Unknown{Kind: "conversation.item.created"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEventRejectsMalformedFrames(t *testing.T) {
	for _, raw := range []string{`{`, `{"delta":"x"}`, `{"type":"response.audio.delta","delta":"***"}`} {
		_, err := ParseEvent([]byte(raw))
		require.Error(t, err, raw)
		assert.True(t, errorsx.HasReason(err, errorsx.ReasonDecode), raw)
	}
}

func TestEncodeAppend(t *testing.T) {
	raw, err := encodeAppend([]byte{0x00})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_audio_buffer.append","audio":"AA=="}`, string(raw))
}
