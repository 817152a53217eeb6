package frames

// Metadata keys shared across components.
const (
	MetaSessionID  = "session_id"
	MetaChannelID  = "channel_id"
	MetaGuildID    = "guild_id"
	MetaSpeakerID  = "speaker_id"
	MetaTraceID    = "trace_id"
	MetaResponseID = "response_id"
	MetaSource     = "source"
	MetaReason     = "reason"
)
