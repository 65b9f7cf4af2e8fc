// Package fusion combines the lexical and acoustic signals into a single
// emergency assessment.
package fusion

import (
	"fmt"
	"math"

	"github.com/ent0n29/vigil/internal/acoustic"
	"github.com/ent0n29/vigil/internal/lexical"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type Recommendation string

const (
	RecommendIgnore            Recommendation = "ignore"
	RecommendMonitor           Recommendation = "monitor"
	RecommendAlert             Recommendation = "alert"
	RecommendImmediateResponse Recommendation = "immediate_response"
)

// Modality names which input drove the combined score.
const (
	ModalityText      = "text"
	ModalityAudio     = "audio"
	ModalityTextOnly  = "text_only"
	ModalityAudioOnly = "audio_only"
	ModalityNone      = "none"
)

// Weights must be non-negative and sum to 1.
type Weights struct {
	Text  float64 `json:"text"`
	Audio float64 `json:"audio"`
}

// Thresholds are strict lower bounds for each urgency bucket.
type Thresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
}

func DefaultWeights() Weights { return Weights{Text: 0.7, Audio: 0.3} }

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.8, High: 0.6, Medium: 0.4}
}

// Contributions records how the combined confidence was reached.
type Contributions struct {
	TextConfidence  float64                 `json:"text_confidence"`
	AudioStress     float64                 `json:"audio_stress"`
	TextComponent   float64                 `json:"text_component"`
	AudioComponent  float64                 `json:"audio_component"`
	DrivingModality string                  `json:"driving_modality"`
	MatchedKeywords []string                `json:"matched_keywords,omitempty"`
	EmotionalTone   lexical.Tone            `json:"emotional_tone,omitempty"`
	Acoustic        *acoustic.FeatureVector `json:"acoustic,omitempty"`
}

// Assessment is the fused result.
type Assessment struct {
	IsEmergency          bool             `json:"is_emergency"`
	Category             lexical.Category `json:"category,omitempty"`
	Confidence           float64          `json:"confidence"`
	UrgencyLevel         Urgency          `json:"urgency_level"`
	Recommendation       Recommendation   `json:"recommendation"`
	ContributingFeatures Contributions    `json:"contributing_features"`
	Degraded             bool             `json:"degraded"`
}

// Engine is immutable once built and safe for concurrent use.
type Engine struct {
	weights    Weights
	thresholds Thresholds
}

func NewEngine(w Weights, t Thresholds) (*Engine, error) {
	if w.Text < 0 || w.Audio < 0 || math.Abs(w.Text+w.Audio-1) > 1e-6 {
		return nil, fmt.Errorf("fusion weights must be non-negative and sum to 1, got %+v", w)
	}
	if !(0 <= t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return nil, fmt.Errorf("fusion thresholds must satisfy 0 <= medium < high < critical <= 1, got %+v", t)
	}
	return &Engine{weights: w, thresholds: t}, nil
}

// MustEngine is NewEngine for known-good literals.
func MustEngine(w Weights, t Thresholds) *Engine {
	e, err := NewEngine(w, t)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Engine) Weights() Weights       { return e.weights }
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Fuse combines text and audio. Either may be nil: with no text the score is
// audio weight times stress and the result is degraded; with no audio the
// text confidence stands alone and the result is degraded too. Category only
// ever comes from text.
func (e *Engine) Fuse(text *lexical.TextSignal, audio *acoustic.FeatureVector) Assessment {
	var c Contributions
	var combined float64
	degraded := false

	switch {
	case text != nil && audio != nil:
		c.TextConfidence = clamp01(text.Confidence)
		c.AudioStress = clamp01(audio.StressScore)
		c.TextComponent = e.weights.Text * c.TextConfidence
		c.AudioComponent = e.weights.Audio * c.AudioStress
		combined = c.TextComponent + c.AudioComponent
		c.DrivingModality = ModalityText
		if c.AudioComponent > c.TextComponent {
			c.DrivingModality = ModalityAudio
		}
	case text != nil:
		c.TextConfidence = clamp01(text.Confidence)
		c.TextComponent = c.TextConfidence
		combined = c.TextConfidence
		c.DrivingModality = ModalityTextOnly
		degraded = true
	case audio != nil:
		c.AudioStress = clamp01(audio.StressScore)
		c.AudioComponent = e.weights.Audio * c.AudioStress
		combined = c.AudioComponent
		c.DrivingModality = ModalityAudioOnly
		degraded = true
	default:
		c.DrivingModality = ModalityNone
		degraded = true
	}
	if text != nil {
		c.MatchedKeywords = text.MatchedKeywords
		c.EmotionalTone = text.EmotionalTone
	}
	if audio != nil {
		fv := *audio
		c.Acoustic = &fv
	}

	c.TextComponent = round4(c.TextComponent)
	c.AudioComponent = round4(c.AudioComponent)
	combined = round4(clamp01(combined))
	urgency := e.Urgency(combined)
	a := Assessment{
		IsEmergency:          combined > e.thresholds.Medium,
		Confidence:           combined,
		UrgencyLevel:         urgency,
		Recommendation:       RecommendationFor(urgency),
		ContributingFeatures: c,
		Degraded:             degraded,
	}
	if text != nil {
		a.Category = text.Category
	}
	return a
}

// Urgency buckets a combined confidence.
func (e *Engine) Urgency(confidence float64) Urgency {
	switch {
	case confidence > e.thresholds.Critical:
		return UrgencyCritical
	case confidence > e.thresholds.High:
		return UrgencyHigh
	case confidence > e.thresholds.Medium:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func RecommendationFor(u Urgency) Recommendation {
	switch u {
	case UrgencyCritical:
		return RecommendImmediateResponse
	case UrgencyHigh:
		return RecommendAlert
	case UrgencyMedium:
		return RecommendMonitor
	default:
		return RecommendIgnore
	}
}

// Rank orders urgency levels for comparisons.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
