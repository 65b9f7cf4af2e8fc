package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidSessionConfig wraps every rejection from SessionConfig.Normalize.
var ErrInvalidSessionConfig = errors.New("invalid session config")

const (
	AudioQualityLow    = "low"
	AudioQualityMedium = "medium"
	AudioQualityHigh   = "high"
)

// FusionWeights control how much each modality contributes to the combined
// confidence. They must be non-negative and sum to 1.
type FusionWeights struct {
	Text  float64 `json:"text" yaml:"text"`
	Audio float64 `json:"audio" yaml:"audio"`
}

// Contact is someone notified when an emergency fires.
type Contact struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Address string `json:"address"`
}

// SessionConfig is the per-session configuration surface accepted at
// session creation.
type SessionConfig struct {
	Language                 string        `json:"language"`
	EnableEmergencyDetection bool          `json:"enableEmergencyDetection"`
	AudioQuality             string        `json:"audioQuality"`
	RealTimeTranscription    bool          `json:"realTimeTranscription"`
	RetentionDays            int           `json:"retentionDays"`
	AudioRetentionDays       int           `json:"audioRetentionDays"`
	MaxSessionDurationMs     int64         `json:"maxSessionDurationMs"`
	FusionWeights            FusionWeights `json:"fusionWeights"`
	AlertThreshold           float64       `json:"alertThreshold"`
	EmergencyContacts        []Contact     `json:"emergencyContacts,omitempty"`
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Language:                 "english",
		EnableEmergencyDetection: true,
		AudioQuality:             AudioQualityMedium,
		RealTimeTranscription:    true,
		RetentionDays:            30,
		AudioRetentionDays:       7,
		MaxSessionDurationMs:     60 * 60 * 1000,
		FusionWeights:            FusionWeights{Text: 0.7, Audio: 0.3},
		AlertThreshold:           0.7,
	}
}

// Normalize fills unset fields from defaults and validates the result.
// Booleans are taken as given.
func (c SessionConfig) Normalize(defaults SessionConfig) (SessionConfig, error) {
	out := c
	out.Language = strings.ToLower(strings.TrimSpace(out.Language))
	if out.Language == "" {
		out.Language = strings.ToLower(strings.TrimSpace(defaults.Language))
	}
	out.AudioQuality = strings.ToLower(strings.TrimSpace(out.AudioQuality))
	if out.AudioQuality == "" {
		out.AudioQuality = defaults.AudioQuality
	}
	if out.RetentionDays == 0 {
		out.RetentionDays = defaults.RetentionDays
	}
	if out.AudioRetentionDays == 0 {
		out.AudioRetentionDays = defaults.AudioRetentionDays
		if out.AudioRetentionDays > out.RetentionDays {
			out.AudioRetentionDays = out.RetentionDays
		}
	}
	if out.MaxSessionDurationMs == 0 {
		out.MaxSessionDurationMs = defaults.MaxSessionDurationMs
	}
	if out.FusionWeights == (FusionWeights{}) {
		out.FusionWeights = defaults.FusionWeights
	}
	if out.AlertThreshold == 0 {
		out.AlertThreshold = defaults.AlertThreshold
	}
	if len(out.EmergencyContacts) == 0 && len(defaults.EmergencyContacts) > 0 {
		out.EmergencyContacts = append([]Contact(nil), defaults.EmergencyContacts...)
	}
	if err := out.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return out, nil
}

// Validate checks an already-normalized config.
func (c SessionConfig) Validate() error {
	if c.Language == "" {
		return invalid("language is required")
	}
	switch c.AudioQuality {
	case AudioQualityLow, AudioQualityMedium, AudioQualityHigh:
	default:
		return invalid("audioQuality must be low, medium or high, got %q", c.AudioQuality)
	}
	if c.RetentionDays <= 0 {
		return invalid("retentionDays must be positive")
	}
	if c.AudioRetentionDays <= 0 || c.AudioRetentionDays > c.RetentionDays {
		return invalid("audioRetentionDays must be in (0, %d]", c.RetentionDays)
	}
	if c.MaxSessionDurationMs <= 0 {
		return invalid("maxSessionDurationMs must be positive")
	}
	w := c.FusionWeights
	if w.Text < 0 || w.Audio < 0 || math.IsNaN(w.Text) || math.IsNaN(w.Audio) {
		return invalid("fusionWeights must be non-negative")
	}
	if math.Abs(w.Text+w.Audio-1) > 1e-6 {
		return invalid("fusionWeights must sum to 1, got %.4f", w.Text+w.Audio)
	}
	if !(c.AlertThreshold > 0 && c.AlertThreshold <= 1) {
		return invalid("alertThreshold must be in (0, 1]")
	}
	for i, contact := range c.EmergencyContacts {
		if strings.TrimSpace(contact.Address) == "" {
			return invalid("emergencyContacts[%d].address is required", i)
		}
		if strings.TrimSpace(contact.Channel) == "" {
			return invalid("emergencyContacts[%d].channel is required", i)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSessionConfig, fmt.Sprintf(format, args...))
}
