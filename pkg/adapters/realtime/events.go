package realtime

// Event is the closed set of inbound protocol events. Only types in this
// package implement it.
type Event interface {
	Type() string
	isEvent()
}

type (
	SessionReady     struct{}
	SpeechStarted    struct{}
	SpeechStopped    struct{}
	InputCommitted   struct{}
	AudioComplete    struct{}
	ResponseComplete struct{}

	// AudioFragment carries decoded PCM16 response audio.
	AudioFragment struct{ Audio []byte }
	TextFragment  struct{ Delta string }
	TextComplete  struct{ Text string }

	// Error is a remote error report. The connection closes after it.
	Error struct {
		Code    string
		Message string
	}

	// Unknown is any event type the relay does not act on.
	Unknown struct{ Kind string }
)

// Wire type discriminators.
const (
	TypeSessionCreated   = "session.created"
	TypeSessionUpdated   = "session.updated"
	TypeSpeechStarted    = "input_audio_buffer.speech_started"
	TypeSpeechStopped    = "input_audio_buffer.speech_stopped"
	TypeInputCommitted   = "input_audio_buffer.committed"
	TypeAudioDelta       = "response.audio.delta"
	TypeAudioDone        = "response.audio.done"
	TypeTextDelta        = "response.text.delta"
	TypeTextDone         = "response.text.done"
	TypeTranscriptDelta  = "response.audio_transcript.delta"
	TypeTranscriptDone   = "response.audio_transcript.done"
	TypeResponseDone     = "response.done"
	TypeError            = "error"
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeSessionUpdate    = "session.update"
)

func (SessionReady) Type() string     { return TypeSessionCreated }
func (SpeechStarted) Type() string    { return TypeSpeechStarted }
func (SpeechStopped) Type() string    { return TypeSpeechStopped }
func (InputCommitted) Type() string   { return TypeInputCommitted }
func (AudioFragment) Type() string    { return TypeAudioDelta }
func (AudioComplete) Type() string    { return TypeAudioDone }
func (TextFragment) Type() string     { return TypeTextDelta }
func (TextComplete) Type() string     { return TypeTextDone }
func (ResponseComplete) Type() string { return TypeResponseDone }
func (Error) Type() string            { return TypeError }
func (u Unknown) Type() string        { return u.Kind }

func (SessionReady) isEvent()     {}
func (SpeechStarted) isEvent()    {}
func (SpeechStopped) isEvent()    {}
func (InputCommitted) isEvent()   {}
func (AudioFragment) isEvent()    {}
func (AudioComplete) isEvent()    {}
func (TextFragment) isEvent()     {}
func (TextComplete) isEvent()     {}
func (ResponseComplete) isEvent() {}
func (Error) isEvent()            {}
func (Unknown) isEvent()          {}

func (e Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
