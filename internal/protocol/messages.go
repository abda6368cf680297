package protocol

import "time"

// SynthesisEvent records the terminal outcome of one counted synthesis
// request. It is journaled locally and published on the bus.
type SynthesisEvent struct {
	RequestID   string    `json:"request_id"`
	Mode        string    `json:"mode"` // buffered or stream
	Voice       string    `json:"voice"`
	EngineVoice string    `json:"engine_voice"`
	Engine      string    `json:"engine"`
	TextChars   int       `json:"text_chars"`
	Chunks      int       `json:"chunks"`
	Bytes       int64     `json:"bytes"`
	DurationMS  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SynthesisRequest asks a gateway to synthesize text over the bus.
type SynthesisRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Language  string `json:"language,omitempty"`
}

// SynthesisReply answers a SynthesisRequest. Audio is MP3 and is omitted on
// failure.
type SynthesisReply struct {
	RequestID   string `json:"request_id,omitempty"`
	EngineVoice string `json:"engine_voice,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Audio       []byte `json:"audio,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

const (
	ModeBuffered = "buffered"
	ModeStream   = "stream"
)

const (
	SubjectSynthesisCompleted = "tts.synthesis.completed"
	SubjectSynthesisFailed    = "tts.synthesis.failed"
	SubjectSynthesisRequest   = "tts.synthesis.request"

	// StreamSynthesisEvents is the JetStream stream capturing outcome events.
	StreamSynthesisEvents = "TTS_SYNTHESIS"
)

// OutcomeSubjects lists the subjects captured by StreamSynthesisEvents.
var OutcomeSubjects = []string{SubjectSynthesisCompleted, SubjectSynthesisFailed}

// OutcomeSubject returns the subject an event is published on.
func OutcomeSubject(evt SynthesisEvent) string {
	if evt.Success {
		return SubjectSynthesisCompleted
	}
	return SubjectSynthesisFailed
}

// GatewayAnnouncement advertises a gateway and the voices it serves.
type GatewayAnnouncement struct {
	GatewayID string    `json:"gateway_id"`
	Service   string    `json:"service"`
	Engine    string    `json:"engine"`
	Voices    []string  `json:"voices"`
	Timestamp time.Time `json:"timestamp"`
}

// GatewayHeartbeat keeps an announced gateway marked healthy.
type GatewayHeartbeat struct {
	GatewayID string    `json:"gateway_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectGatewayAnnounce  = "tts.gateway.announce"
	SubjectGatewayHeartbeat = "tts.gateway.heartbeat"
)

// HeartbeatSubject returns the per-gateway heartbeat subject.
func HeartbeatSubject(gatewayID string) string {
	return SubjectGatewayHeartbeat + "." + gatewayID
}
