package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/GitFitCode/discord-convo-bot/pkg/adapters/realtime"
	"github.com/GitFitCode/discord-convo-bot/pkg/errorsx"
)

type serverEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Text       string       `json:"text,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

// ParseEvent decodes one inbound frame into a realtime.Event. Event types
// the relay does not act on come back as realtime.Unknown.
func ParseEvent(data []byte) (realtime.Event, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("parse realtime event: %w", err), errorsx.ReasonDecode)
	}
	switch ev.Type {
	case "":
		return nil, errorsx.Newf(errorsx.ReasonDecode, "realtime event without type")
	case realtime.TypeSessionCreated:
		return realtime.SessionReady{}, nil
	case realtime.TypeSpeechStarted:
		return realtime.SpeechStarted{}, nil
	case realtime.TypeSpeechStopped:
		return realtime.SpeechStopped{}, nil
	case realtime.TypeInputCommitted:
		return realtime.InputCommitted{}, nil
	case realtime.TypeAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("audio delta: %w", err), errorsx.ReasonDecode)
		}
		return realtime.AudioFragment{Audio: audio}, nil
	case realtime.TypeAudioDone:
		return realtime.AudioComplete{}, nil
	case realtime.TypeTextDelta, realtime.TypeTranscriptDelta:
		return realtime.TextFragment{Delta: ev.Delta}, nil
	case realtime.TypeTextDone:
		return realtime.TextComplete{Text: ev.Text}, nil
	case realtime.TypeTranscriptDone:
		return realtime.TextComplete{Text: ev.Transcript}, nil
	case realtime.TypeResponseDone:
		return realtime.ResponseComplete{}, nil
	case realtime.TypeError:
		if ev.Error == nil {
			return realtime.Error{Message: "unspecified error"}, nil
		}
		code := ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		return realtime.Error{Code: code, Message: ev.Error.Message}, nil
	default:
		return realtime.Unknown{Kind: ev.Type}, nil
	}
}

func encodeAppend(pcm []byte) ([]byte, error) {
	return json.Marshal(appendMessage{
		Type:  realtime.TypeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}
