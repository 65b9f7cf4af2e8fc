package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// CanonicalSampleRate is the rate every buffered sample is converted to.
	CanonicalSampleRate = 16000

	MinSampleRate = 8000
	MaxSampleRate = 48000
	MaxChunkBytes = 1 << 20
)

// ErrInput marks malformed, oversized or too-short audio rejected at ingress.
var ErrInput = errors.New("invalid audio input")

// AudioChunk is one ordered slice of raw PCM16LE audio for a session.
type AudioChunk struct {
	SessionID      string `json:"session_id"`
	SequenceNumber int64  `json:"sequence_number"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	Bytes          []byte `json:"bytes"`
	CapturedAtMs   int64  `json:"captured_at_ms"`
}

// Validate reports ErrInput-wrapped problems with the chunk format.
func (c AudioChunk) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInput)
	}
	if c.SequenceNumber < 0 {
		return fmt.Errorf("%w: negative sequence number %d", ErrInput, c.SequenceNumber)
	}
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d out of range [%d,%d]", ErrInput, c.SampleRate, MinSampleRate, MaxSampleRate)
	}
	channels := c.channels()
	if channels != 1 && channels != 2 {
		return fmt.Errorf("%w: unsupported channel count %d", ErrInput, c.Channels)
	}
	if len(c.Bytes) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInput)
	}
	if len(c.Bytes) > MaxChunkBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInput, len(c.Bytes), MaxChunkBytes)
	}
	frame := 2 * channels
	if len(c.Bytes)%frame != 0 {
		return fmt.Errorf("%w: payload length %d is not a multiple of %d", ErrInput, len(c.Bytes), frame)
	}
	if len(c.Bytes)/frame < 2 {
		return fmt.Errorf("%w: payload too short", ErrInput)
	}
	return nil
}

func (c AudioChunk) channels() int {
	if c.Channels == 0 {
		return 1
	}
	return c.Channels
}

// Duration of the chunk in milliseconds at its native rate.
func (c AudioChunk) DurationMS() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	frames := len(c.Bytes) / (2 * c.channels())
	return float64(frames) * 1000 / float64(c.SampleRate)
}

// Canonical decodes the chunk into mono int16 samples at CanonicalSampleRate.
func (c AudioChunk) Canonical() ([]int16, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	mono := DecodePCM16LE(c.Bytes, c.channels())
	return Resample(mono, c.SampleRate, CanonicalSampleRate), nil
}

// DecodePCM16LE converts interleaved little-endian PCM16 to mono by averaging channels.
func DecodePCM16LE(pcm []byte, channels int) []int16 {
	if channels <= 0 {
		channels = 1
	}
	frame := 2 * channels
	n := len(pcm) / frame
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			off := i*frame + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// EncodePCM16LE is the inverse of DecodePCM16LE for mono samples.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts samples between rates with linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	n := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}
