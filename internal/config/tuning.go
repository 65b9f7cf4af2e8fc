package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DetectionTuning is the optional YAML document named by DETECTION_TUNING_FILE.
// Zero values leave the built-in defaults in place.
type DetectionTuning struct {
	Fusion struct {
		TextWeight  float64 `yaml:"text_weight"`
		AudioWeight float64 `yaml:"audio_weight"`
	} `yaml:"fusion"`
	Thresholds struct {
		Critical float64 `yaml:"critical"`
		High     float64 `yaml:"high"`
		Medium   float64 `yaml:"medium"`
		Alert    float64 `yaml:"alert"`
	} `yaml:"thresholds"`
	// KeywordsFile replaces the embedded lexical keyword tables.
	KeywordsFile string `yaml:"keywords_file"`
}

// LoadTuning decodes a tuning file, rejecting unknown keys.
func LoadTuning(path string) (DetectionTuning, error) {
	var t DetectionTuning
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tuning file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return DetectionTuning{}, fmt.Errorf("decode tuning file %s: %w", path, err)
	}
	th := t.Thresholds
	for name, v := range map[string]float64{"critical": th.Critical, "high": th.High, "medium": th.Medium, "alert": th.Alert} {
		if v < 0 || v > 1 {
			return DetectionTuning{}, fmt.Errorf("tuning threshold %s must be in [0, 1]", name)
		}
	}
	if th.Critical > 0 && th.High > 0 && th.High >= th.Critical {
		return DetectionTuning{}, fmt.Errorf("tuning thresholds must satisfy high < critical")
	}
	if th.High > 0 && th.Medium > 0 && th.Medium >= th.High {
		return DetectionTuning{}, fmt.Errorf("tuning thresholds must satisfy medium < high")
	}
	return t, nil
}

// Apply folds fusion weights and the alert threshold into session defaults.
func (t DetectionTuning) Apply(defaults SessionConfig) (SessionConfig, error) {
	out := defaults
	if t.Fusion.TextWeight != 0 || t.Fusion.AudioWeight != 0 {
		out.FusionWeights = FusionWeights{Text: t.Fusion.TextWeight, Audio: t.Fusion.AudioWeight}
	}
	if t.Thresholds.Alert != 0 {
		out.AlertThreshold = t.Thresholds.Alert
	}
	if err := out.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return out, nil
}
