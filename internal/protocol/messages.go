package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents a recognized phrase broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// RecognitionError reports a failed recognition attempt.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectRecognitionError = "stt.error"
)

// AudioFrameSubject returns the subject frames for sessionID are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// Node presence subjects. Heartbeats are published on SubjectNodeHeartbeatPrefix.<node id>.
const (
	SubjectNodeAnnounce        = "arcc.node.announce"
	SubjectNodeHeartbeatPrefix = "arcc.node.heartbeat"
)

// NodeRole is one job a node performs in the caption pipeline.
type NodeRole struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnouncement is published when a node starts or meets a new peer.
type NodeAnnouncement struct {
	NodeID    string     `json:"node_id"`
	Roles     []NodeRole `json:"roles"`
	Timestamp time.Time  `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked healthy.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}
