package audio

import (
	"errors"
	"time"
)

var (
	ErrOutOfOrder = errors.New("chunk sequence number is behind the last accepted chunk")
	ErrDuplicate  = errors.New("chunk sequence number was already accepted")
)

// FrameBuffer keeps the trailing window of canonical mono samples for one
// session. Chunks must arrive with strictly increasing sequence numbers;
// anything else is rejected without touching the window.
type FrameBuffer struct {
	capacity int
	samples  []int16
	start    int
	size     int

	lastSeq      int64
	hasSeq       bool
	totalSamples int64
}

// NewFrameBuffer holds at most window worth of canonical audio.
func NewFrameBuffer(window time.Duration) *FrameBuffer {
	if window <= 0 {
		window = 3 * time.Second
	}
	capacity := int(window.Seconds() * CanonicalSampleRate)
	if capacity < 1 {
		capacity = 1
	}
	return &FrameBuffer{
		capacity: capacity,
		samples:  make([]int16, capacity),
	}
}

// Push validates ordering, converts the chunk and appends it to the window.
// It returns the canonical samples that were appended.
func (b *FrameBuffer) Push(chunk AudioChunk) ([]int16, error) {
	if b.hasSeq {
		switch {
		case chunk.SequenceNumber == b.lastSeq:
			return nil, ErrDuplicate
		case chunk.SequenceNumber < b.lastSeq:
			return nil, ErrOutOfOrder
		}
	}
	canonical, err := chunk.Canonical()
	if err != nil {
		return nil, err
	}
	b.lastSeq = chunk.SequenceNumber
	b.hasSeq = true
	b.append(canonical)
	return canonical, nil
}

func (b *FrameBuffer) append(in []int16) {
	b.totalSamples += int64(len(in))
	if len(in) >= b.capacity {
		copy(b.samples, in[len(in)-b.capacity:])
		b.start = 0
		b.size = b.capacity
		return
	}
	for _, s := range in {
		end := (b.start + b.size) % b.capacity
		b.samples[end] = s
		if b.size < b.capacity {
			b.size++
		} else {
			b.start = (b.start + 1) % b.capacity
		}
	}
}

// Window returns a copy of the buffered samples, oldest first.
func (b *FrameBuffer) Window() []int16 {
	out := make([]int16, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.samples[(b.start+i)%b.capacity]
	}
	return out
}

// LastSequence reports the last accepted sequence number.
func (b *FrameBuffer) LastSequence() (int64, bool) {
	return b.lastSeq, b.hasSeq
}

func (b *FrameBuffer) Len() int { return b.size }

// TotalDuration is the duration of all audio accepted so far, not just the window.
func (b *FrameBuffer) TotalDuration() time.Duration {
	return time.Duration(b.totalSamples) * time.Second / CanonicalSampleRate
}

// Reset clears buffered samples but keeps the ordering state.
func (b *FrameBuffer) Reset() {
	b.start = 0
	b.size = 0
}
