package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Per-chunk and per-fragment failures, absorbed at the component boundary.
	ReasonDecode    ReasonCode = "decode"
	ReasonTranscode ReasonCode = "transcode"

	// Realtime connection failures, terminal for the session.
	ReasonConnect       ReasonCode = "realtime_connect"
	ReasonConnection    ReasonCode = "realtime_connection"
	ReasonSend          ReasonCode = "realtime_send"
	ReasonProtocolError ReasonCode = "realtime_protocol_error"

	// Voice channel refused to attach a player or receiver, or the voice
	// connection went away under a running session.
	ReasonSubscription ReasonCode = "voice_subscription"
	ReasonVoiceLost    ReasonCode = "voice_lost"

	ReasonConfig ReasonCode = "config"
)
