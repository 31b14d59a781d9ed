package protocol

// Server-to-client envelope kinds.
const (
	KindSessionCreated = "session_created"
	KindAuthError      = "auth_error"
	KindPing           = "ping"
	KindPong           = "pong"
	KindTranscript     = "transcript"
	KindResponseStart  = "response_start"
	KindResponseAudio  = "response_audio"
	KindResponseVideo  = "response_video"
	KindResponseEnd    = "response_end"
	KindInterrupted    = "conversation:interrupted"
	KindError          = "error"
	KindStateChanged   = "state:changed"
	KindStateError     = "state:error"
)

// Client-to-server envelope kinds. Ping is shared between both directions.
const (
	KindAudioChunk   = "audio_chunk"
	KindEndUtterance = "end_utterance"
	KindInterruption = "interruption"
	KindRetryASR     = "retry_asr"
)

// Error codes carried in auth_error and error payloads.
const (
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodeAuthInvalid         = "AUTH_INVALID"
	CodeAuthExpired         = "AUTH_EXPIRED"
	CodeSessionCreateFailed = "SESSION_CREATE_FAILED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnknownType         = "UNKNOWN_TYPE"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeASRError            = "error:asr"
	CodeLLMError            = "error:llm"
	CodeTTSError            = "error:tts"
)

// WebSocket close codes used by the gateway. 1000 and 1001 follow RFC 6455;
// the 4xxx range is application-defined.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	CloseAuthRejected     = 4001
	CloseHeartbeatTimeout = 4002
)

// Video frame formats accepted in response_video payloads.
const (
	VideoFormatJPEG = "jpeg"
	VideoFormatH264 = "h264"
)
