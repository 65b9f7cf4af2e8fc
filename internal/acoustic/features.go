// Package acoustic derives deterministic prosodic features from canonical
// mono PCM16 audio.
package acoustic

import (
	"math"
	"sort"
)

// FeatureVector summarizes one analysis window.
type FeatureVector struct {
	Volume        float64 `json:"volume"`
	PitchHz       float64 `json:"pitch_hz"`
	SpeechRateWPM float64 `json:"speech_rate_wpm"`
	SilenceRatio  float64 `json:"silence_ratio"`
	VoiceQuality  float64 `json:"voice_quality"`
	StressScore   float64 `json:"stress_score"`
}

const (
	minAnalysisMS = 100

	silenceAmplitude = 0.02

	pitchFrameMS  = 40
	minPitchHz    = 75
	maxPitchHz    = 400
	minPitchCorr  = 0.3
	octaveSlack   = 0.9
	syllablesWord = 1.5
	minSpeechMS   = 300

	highPitchHz     = 250
	fastSpeechWPM   = 180
	loudVolume      = 0.25
	lowVoiceQuality = 0.1

	weightHighPitch  = 0.3
	weightFastSpeech = 0.25
	weightLoud       = 0.25
	weightLowQuality = 0.2
)

// NeutralFeatures is returned for windows too short to analyze: silent,
// unstressed, no pitch.
func NeutralFeatures() FeatureVector {
	return FeatureVector{SilenceRatio: 1}
}

// Extract computes the feature vector for samples at sampleRate. Identical
// input always yields identical output.
func Extract(samples []int16, sampleRate int) FeatureVector {
	if sampleRate <= 0 || len(samples) < sampleRate*minAnalysisMS/1000 {
		return NeutralFeatures()
	}
	x := normalize(samples)

	var absSum float64
	quiet := 0
	for _, v := range x {
		a := math.Abs(v)
		absSum += a
		if a < silenceAmplitude {
			quiet++
		}
	}
	volume := clamp01(absSum / float64(len(x)))
	silence := float64(quiet) / float64(len(x))
	quality := clamp01(volume * (1 - silence))

	frames := analyzeFrames(x, sampleRate)
	vad := summarize(frames)
	pitch := estimatePitch(x, sampleRate)
	rate := speechRate(frames, vad)

	score := 0.0
	if pitch > highPitchHz {
		score += weightHighPitch
	}
	if rate > fastSpeechWPM {
		score += weightFastSpeech
	}
	if volume > loudVolume {
		score += weightLoud
	}
	if len(vad.Segments) > 0 && quality < lowVoiceQuality {
		score += weightLowQuality
	}

	return FeatureVector{
		Volume:        round4(volume),
		PitchHz:       round4(pitch),
		SpeechRateWPM: round4(rate),
		SilenceRatio:  round4(silence),
		VoiceQuality:  round4(quality),
		StressScore:   round4(clamp01(score)),
	}
}

func normalize(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768
	}
	return out
}

// estimatePitch takes the median autocorrelation pitch over non-overlapping
// frames with enough energy and periodicity. Returns 0 when nothing is voiced.
func estimatePitch(x []float64, sampleRate int) float64 {
	size := sampleRate * pitchFrameMS / 1000
	minLag := sampleRate / maxPitchHz
	maxLag := sampleRate / minPitchHz
	if minLag < 1 || maxLag+1 >= size {
		return 0
	}

	var pitches []float64
	corr := make([]float64, maxLag+2)
	for start := 0; start+size <= len(x); start += size {
		frame := x[start : start+size]
		if meanSquare(frame) < energyThreshold {
			continue
		}
		best := -1.0
		for lag := minLag; lag <= maxLag+1; lag++ {
			corr[lag] = normalizedCorrelation(frame, lag)
			if lag <= maxLag && corr[lag] > best {
				best = corr[lag]
			}
		}
		if best < minPitchCorr {
			continue
		}
		// Prefer the shortest lag that is a local peak close to the best one,
		// which avoids reporting a sub-harmonic.
		for lag := minLag + 1; lag <= maxLag; lag++ {
			c := corr[lag]
			if c >= octaveSlack*best && c >= corr[lag-1] && c >= corr[lag+1] {
				pitches = append(pitches, float64(sampleRate)/float64(lag))
				break
			}
		}
	}
	if len(pitches) == 0 {
		return 0
	}
	sort.Float64s(pitches)
	mid := len(pitches) / 2
	if len(pitches)%2 == 1 {
		return pitches[mid]
	}
	return (pitches[mid-1] + pitches[mid]) / 2
}

func normalizedCorrelation(frame []float64, lag int) float64 {
	var num, e0, e1 float64
	for i := 0; i+lag < len(frame); i++ {
		a, b := frame[i], frame[i+lag]
		num += a * b
		e0 += a * a
		e1 += b * b
	}
	den := math.Sqrt(e0 * e1)
	if den == 0 {
		return 0
	}
	return num / den
}

// speechRate counts syllable nuclei as rises of the frame RMS envelope through
// a hysteresis band, restricted to voiced frames, and converts the rate over
// voiced time into words per minute.
func speechRate(frames []frame, vad VADResult) float64 {
	speechMS := 0.0
	for _, seg := range vad.Segments {
		speechMS += seg.EndMS - seg.StartMS
	}
	if speechMS < minSpeechMS {
		return 0
	}

	peak := 0.0
	for _, f := range frames {
		if f.voiced {
			peak = math.Max(peak, math.Sqrt(f.energy))
		}
	}
	if peak == 0 {
		return 0
	}
	high, low := 0.6*peak, 0.3*peak

	syllables := 0
	armed := true
	for _, f := range frames {
		r := math.Sqrt(f.energy)
		switch {
		case f.voiced && armed && r >= high:
			syllables++
			armed = false
		case r < low:
			armed = true
		}
	}
	perSecond := float64(syllables) / (speechMS / 1000)
	return perSecond * 60 / syllablesWord
}

func meanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
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
