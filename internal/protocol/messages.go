package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/notify"
	"github.com/ent0n29/vigil/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientTranscript MessageType = "client_transcript"
	TypeClientControl    MessageType = "client_control"
	TypeAssessment       MessageType = "assessment"
	TypeEmergencyAlert   MessageType = "emergency_alert"
	TypeNotification     MessageType = "notification_result"
	TypeTranscript       MessageType = "transcript"
	TypeChunkDropped     MessageType = "chunk_dropped"
	TypeSessionEnded     MessageType = "session_ended"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionEnd    = "end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int64       `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	Channels    int         `json:"channels,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

// Chunk decodes the payload into an audio chunk. Bad base64 is an input
// error like any other malformed audio.
func (m ClientAudioChunk) Chunk() (audio.AudioChunk, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		return audio.AudioChunk{}, fmt.Errorf("%w: pcm16_base64: %v", audio.ErrInput, err)
	}
	return audio.AudioChunk{
		SessionID:      m.SessionID,
		SequenceNumber: m.Seq,
		SampleRate:     m.SampleRate,
		Channels:       m.Channels,
		Bytes:          pcm,
		CapturedAtMs:   m.TSMs,
	}, nil
}

type ClientTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Final     bool        `json:"final"`
	TSMs      int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type Assessment struct {
	Type       MessageType       `json:"type"`
	SessionID  string            `json:"session_id"`
	Seq        int64             `json:"seq,omitempty"`
	State      string            `json:"state"`
	TurnEnded  bool              `json:"turn_ended,omitempty"`
	Assessment fusion.Assessment `json:"assessment"`
}

type EmergencyAlert struct {
	Type      MessageType            `json:"type"`
	SessionID string                 `json:"session_id"`
	Event     session.EmergencyEvent `json:"event"`
}

type NotificationResult struct {
	Type       MessageType            `json:"type"`
	SessionID  string                 `json:"session_id"`
	Event      session.EmergencyEvent `json:"event"`
	Deliveries []notify.Delivery      `json:"deliveries"`
}

type Transcript struct {
	Type       MessageType           `json:"type"`
	SessionID  string                `json:"session_id"`
	Transcript session.Transcription `json:"transcript"`
}

type ChunkDropped struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       int64       `json:"seq"`
	Reason    string      `json:"reason"`
}

type SessionEnded struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Summary   session.Summary `json:"summary"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientTranscript:
		var msg ClientTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_transcript")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionPause, ActionResume, ActionEnd:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
