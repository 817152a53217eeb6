package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the relay.
const (
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventSpeakerOpened     = "speaker_stream_opened"
	EventSpeakerClosed     = "speaker_stream_closed"
	EventChunkForwarded    = "capture_chunk_forwarded"
	EventDecodeError       = "capture_decode_error"
	EventChunkDropped      = "capture_chunk_dropped"
	EventChunkQueued       = "capture_chunk_queued"
	EventRealtimeEvent     = "realtime_event"
	EventSendRejected      = "realtime_send_rejected"
	EventPlaybackStarted   = "playback_buffer_started"
	EventPlaybackFinished  = "playback_buffer_finished"
	EventTranscriptEmitted = "transcript_emitted"
	EventResponseLatency   = "response_latency"
)

// Tag keys used on relay events.
const (
	TagKind    = "kind"
	TagOutcome = "outcome"
	TagReason  = "reason"
	TagSession = "session_id"
)

// Emit records an event stamped with the current time. A nil observer is
// ignored.
func Emit(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
