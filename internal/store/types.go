// Package store persists voice session records and their raw audio.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("session record not found")
	ErrExists   = errors.New("session record already exists")
	// ErrRetentionViolation is returned when reading data whose retention
	// window has elapsed and which has been purged.
	ErrRetentionViolation = errors.New("data purged by retention policy")
)

// Record is the durable form of a voice session. Transcript, Events and
// Summary are opaque JSON owned by the session package.
type Record struct {
	SessionID             string          `json:"session_id"`
	UserID                string          `json:"user_id"`
	Language              string          `json:"language"`
	Status                string          `json:"status"`
	TerminationReason     string          `json:"termination_reason,omitempty"`
	StartedAt             time.Time       `json:"started_at"`
	EndedAt               time.Time       `json:"ended_at,omitempty"`
	MaxDurationMS         int64           `json:"max_duration_ms"`
	AudioRetentionAt      time.Time       `json:"audio_retention_at"`
	TranscriptRetentionAt time.Time       `json:"transcript_retention_at"`
	AudioDataDeleted      bool            `json:"audio_data_deleted"`
	TranscriptDataDeleted bool            `json:"transcript_data_deleted"`
	AudioSampleRate       int             `json:"audio_sample_rate,omitempty"`
	Transcript            json.RawMessage `json:"transcript,omitempty"`
	Events                json.RawMessage `json:"events,omitempty"`
	Summary               json.RawMessage `json:"summary,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Ended reports whether the session reached a terminal status.
func (r Record) Ended() bool {
	return r.Status == "ended" || r.Status == "error"
}

// Store is the session persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	Update(ctx context.Context, rec Record) error
	// Delete removes the record and any audio it still holds.
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]Record, error)

	// AppendAudio stores one canonical PCM16LE chunk under its sequence number.
	AppendAudio(ctx context.Context, sessionID string, seq int64, pcm []byte) error
	// Audio returns the session's audio concatenated in sequence order.
	Audio(ctx context.Context, sessionID string) ([]byte, error)
	// PurgeAudio and PurgeTranscript are idempotent.
	PurgeAudio(ctx context.Context, sessionID string) error
	PurgeTranscript(ctx context.Context, sessionID string) error

	Close() error
}

// keepPurged carries purge flags from the stored record into an update so a
// stale writer cannot resurrect purged data.
func keepPurged(stored, rec Record) Record {
	if stored.AudioDataDeleted {
		rec.AudioDataDeleted = true
	}
	if stored.TranscriptDataDeleted {
		rec.TranscriptDataDeleted = true
		rec.Transcript = nil
	}
	return rec
}

func cloneRecord(r Record) Record {
	r.Transcript = cloneRaw(r.Transcript)
	r.Events = cloneRaw(r.Events)
	r.Summary = cloneRaw(r.Summary)
	return r
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
