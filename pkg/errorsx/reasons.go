package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSessionStart       ReasonCode = "avatar_session_start"
	ReasonSessionNotActive   ReasonCode = "avatar_session_not_active"
	ReasonSessionRateLimit   ReasonCode = "avatar_rate_limit"
	ReasonSessionCircuitOpen ReasonCode = "avatar_circuit_open"
	ReasonRelayFetch         ReasonCode = "relay_fetch"

	ReasonSpeechSynthesis ReasonCode = "speech_synthesis"
	ReasonSpeechCancelled ReasonCode = "speech_cancelled"
	ReasonStopTimeout     ReasonCode = "speech_stop_timeout"

	ReasonTranscriptStart ReasonCode = "transcript_start"
	ReasonTranscriptError ReasonCode = "transcript_error"
	ReasonMicUnavailable  ReasonCode = "microphone_unavailable"

	ReasonChannelConnect ReasonCode = "channel_connect"
	ReasonChannelSend    ReasonCode = "channel_send"
	ReasonChannelStream  ReasonCode = "channel_stream"
)
