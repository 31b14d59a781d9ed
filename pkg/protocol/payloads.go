package protocol

// SessionCreated is the data payload of a session_created envelope — the
// single success response to an authenticated connection attempt.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	IsGuest   bool   `json:"isGuest"`
	Timestamp int64  `json:"timestamp"`
}

// AuthError is the data payload of an auth_error envelope. Code is one of
// the Code* authentication constants.
type AuthError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Heartbeat is the data payload of ping and pong envelopes.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Transcript is the data payload of a transcript envelope. IsFinal is false
// for interim ASR hypotheses and true for the committed result.
type Transcript struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
}

// ResponseStart announces the beginning of a synthesized turn response.
type ResponseStart struct {
	TurnID string `json:"turnId"`
}

// ResponseAudio carries one synthesized audio chunk. SequenceNumber is dense
// and strictly increasing from 0 within a turn.
type ResponseAudio struct {
	TurnID         string `json:"turnId"`
	AudioData      string `json:"audioData"` // base64
	SequenceNumber int    `json:"sequenceNumber"`
}

// ResponseVideo carries one lip-synced video frame. SequenceNumber is dense
// and strictly increasing from 0 within a turn, in its own namespace
// separate from audio.
type ResponseVideo struct {
	TurnID         string `json:"turnId"`
	FrameData      string `json:"frameData"` // base64
	SequenceNumber int    `json:"sequenceNumber"`
	Format         string `json:"format"`
}

// TurnMetrics is the per-stage latency breakdown reported in response_end.
type TurnMetrics struct {
	TotalLatencyMs int64 `json:"totalLatencyMs"`
	ASRLatencyMs   int64 `json:"asrLatencyMs"`
	RAGLatencyMs   int64 `json:"ragLatencyMs"`
	LLMLatencyMs   int64 `json:"llmLatencyMs"`
	TTSLatencyMs   int64 `json:"ttsLatencyMs"`
}

// ResponseEnd closes a turn on the wire.
type ResponseEnd struct {
	TurnID  string      `json:"turnId"`
	Metrics TurnMetrics `json:"metrics"`
}

// Interrupted acknowledges a client interruption.
type Interrupted struct {
	TurnIndex int   `json:"turnIndex"`
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is the data payload of an error envelope. Recoverable means
// the client may stay connected and retry.
type ErrorPayload struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Recoverable  bool   `json:"recoverable"`
}

// StateChanged notifies the client of a successful session state transition.
type StateChanged struct {
	PreviousState string `json:"previousState"`
	CurrentState  string `json:"currentState"`
	Timestamp     int64  `json:"timestamp"`
}

// TransitionAttempt names the refused transition in a state:error payload.
type TransitionAttempt struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StateError notifies the client of a refused state transition. The session
// state is left unchanged.
type StateError struct {
	AttemptedTransition TransitionAttempt `json:"attemptedTransition"`
	ErrorMessage        string            `json:"errorMessage"`
	Timestamp           int64             `json:"timestamp"`
}

// AudioChunk is the data payload of a client audio_chunk envelope. AudioData
// is base64-encoded, already framed by the client.
type AudioChunk struct {
	SequenceNumber int    `json:"sequenceNumber"`
	AudioData      string `json:"audioData"`
}

// Interruption is the data payload of a client interruption envelope.
// TurnIndex is the client's view of which turn it is interrupting; it is
// echoed back verbatim.
type Interruption struct {
	TurnIndex int `json:"turnIndex,omitempty"`
}

// RetryASRAck is the data payload of an asr_retry_acknowledged envelope.
type RetryASRAck struct {
	Message string `json:"message"`
}

// KindRetryASRAck acknowledges a retry_asr request without touching state.
const KindRetryASRAck = "asr_retry_acknowledged"
