package acoustic

import "math"

const (
	frameMS    = 25
	hopMS      = 10
	mergeGapMS = 200

	// energyThreshold is a mean square over normalized samples (RMS 0.01).
	energyThreshold = 1e-4
	zcrMin          = 0.01
	zcrMax          = 0.45
)

// Segment is one merged run of voiced frames.
type Segment struct {
	StartMS    float64 `json:"start_ms"`
	EndMS      float64 `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// VADResult is the output of DetectVoiceActivity.
type VADResult struct {
	Segments      []Segment `json:"segments"`
	SilenceRatio  float64   `json:"silence_ratio"`
	AverageEnergy float64   `json:"average_energy"`
}

// TrailingSilenceMS is the time between the end of the last voiced segment
// and the end of the analyzed window.
func (r VADResult) TrailingSilenceMS(windowMS float64) float64 {
	if len(r.Segments) == 0 {
		return windowMS
	}
	gap := windowMS - r.Segments[len(r.Segments)-1].EndMS
	if gap < 0 {
		return 0
	}
	return gap
}

type frame struct {
	startMS float64
	energy  float64
	zcr     float64
	voiced  bool
}

// DetectVoiceActivity classifies 25 ms frames (10 ms hop) by energy and
// zero-crossing rate and merges voiced frames separated by less than 200 ms.
func DetectVoiceActivity(samples []int16, sampleRate int) VADResult {
	if sampleRate <= 0 {
		return VADResult{SilenceRatio: 1}
	}
	return summarize(analyzeFrames(normalize(samples), sampleRate))
}

func analyzeFrames(x []float64, sampleRate int) []frame {
	size := sampleRate * frameMS / 1000
	hop := sampleRate * hopMS / 1000
	if size < 2 || hop < 1 || len(x) < size {
		return nil
	}
	frames := make([]frame, 0, (len(x)-size)/hop+1)
	for start := 0; start+size <= len(x); start += hop {
		window := x[start : start+size]
		crossings := 0
		for i := 1; i < len(window); i++ {
			if (window[i] >= 0) != (window[i-1] >= 0) {
				crossings++
			}
		}
		f := frame{
			startMS: float64(start) * 1000 / float64(sampleRate),
			energy:  meanSquare(window),
			zcr:     float64(crossings) / float64(len(window)-1),
		}
		f.voiced = f.energy > energyThreshold && f.zcr >= zcrMin && f.zcr <= zcrMax
		frames = append(frames, f)
	}
	return frames
}

func summarize(frames []frame) VADResult {
	if len(frames) == 0 {
		return VADResult{SilenceRatio: 1}
	}
	var (
		res      VADResult
		energy   float64
		unvoiced int
		current  *Segment
		confSum  float64
		confN    int
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Confidence = round4(confSum / float64(confN))
		res.Segments = append(res.Segments, *current)
		current = nil
		confSum, confN = 0, 0
	}
	for _, f := range frames {
		energy += f.energy
		if !f.voiced {
			unvoiced++
			continue
		}
		end := f.startMS + frameMS
		if current != nil && f.startMS-current.EndMS >= mergeGapMS {
			flush()
		}
		if current == nil {
			current = &Segment{StartMS: f.startMS}
		}
		current.EndMS = end
		confSum += math.Min(1, f.energy/(energyThreshold*10))
		confN++
	}
	flush()
	res.SilenceRatio = round4(float64(unvoiced) / float64(len(frames)))
	res.AverageEnergy = energy / float64(len(frames))
	return res
}
