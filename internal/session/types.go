package session

import (
	"time"

	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/lexical"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
	StatusError   Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// TerminationReason records why a session ended.
type TerminationReason string

const (
	ReasonClientEnd           TerminationReason = "client_end"
	ReasonMaxDurationExceeded TerminationReason = "max_duration_exceeded"
	ReasonError               TerminationReason = "error"
)

// Transcription is one recorded piece of transcript text.
type Transcription struct {
	Text          string       `json:"text"`
	Confidence    float64      `json:"confidence"`
	Language      string       `json:"language"`
	Final         bool         `json:"final"`
	Source        string       `json:"source,omitempty"`
	EmotionalTone lexical.Tone `json:"emotional_tone,omitempty"`
	At            time.Time    `json:"at"`
}

// EmergencyEvent is append-only and never mutated after it is recorded.
type EmergencyEvent struct {
	ID                string                `json:"id"`
	SessionID         string                `json:"session_id"`
	Category          lexical.Category      `json:"category"`
	Confidence        float64               `json:"confidence"`
	UrgencyLevel      fusion.Urgency        `json:"urgency_level"`
	Recommendation    fusion.Recommendation `json:"recommendation"`
	DrivingModality   string                `json:"driving_modality,omitempty"`
	NotificationsSent int                   `json:"notifications_sent"`
	OccurredAt        time.Time             `json:"occurred_at"`
}

// Metrics are per-session counters maintained by the session worker.
type Metrics struct {
	ChunksAccepted    int64   `json:"chunks_accepted"`
	ChunksDropped     int64   `json:"chunks_dropped"`
	BackpressureDrops int64   `json:"backpressure_drops"`
	AudioMS           float64 `json:"audio_ms"`
	Evaluations       int64   `json:"evaluations"`
	ProviderTimeouts  int64   `json:"provider_timeouts"`
	PeakConfidence    float64 `json:"peak_confidence"`
}

// Session is a snapshot of a live voice session.
type Session struct {
	ID                    string               `json:"session_id"`
	UserID                string               `json:"user_id"`
	Language              string               `json:"language"`
	Status                Status               `json:"status"`
	Config                config.SessionConfig `json:"config"`
	StartedAt             time.Time            `json:"started_at"`
	AudioRetentionAt      time.Time            `json:"audio_retention_at"`
	TranscriptRetentionAt time.Time            `json:"transcript_retention_at"`
	Transcriptions        []Transcription      `json:"transcriptions"`
	EmergencyEvents       []EmergencyEvent     `json:"emergency_events"`
	Metrics               Metrics              `json:"metrics"`
}

// Summary is computed once when a session ends.
type Summary struct {
	SessionID           string            `json:"session_id"`
	UserID              string            `json:"user_id"`
	Status              Status            `json:"status"`
	TerminationReason   TerminationReason `json:"termination_reason"`
	StartedAt           time.Time         `json:"started_at"`
	EndedAt             time.Time         `json:"ended_at"`
	DurationMS          int64             `json:"duration_ms"`
	TranscriptCount     int               `json:"transcript_count"`
	EmergencyCount      int               `json:"emergency_count"`
	Categories          []string          `json:"categories,omitempty"`
	DominantTone        lexical.Tone      `json:"dominant_tone"`
	ConversationSummary string            `json:"conversation_summary"`
	ActionItems         []string          `json:"action_items"`
	Metrics             Metrics           `json:"metrics"`
}

func clone(s *Session) *Session {
	c := *s
	c.Transcriptions = append([]Transcription(nil), s.Transcriptions...)
	c.EmergencyEvents = append([]EmergencyEvent(nil), s.EmergencyEvents...)
	c.Config.EmergencyContacts = append([]config.Contact(nil), s.Config.EmergencyContacts...)
	return &c
}
