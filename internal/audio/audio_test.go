package audio

import (
	"errors"
	"testing"
	"time"
)

func monoChunk(seq int64, samples []int16) AudioChunk {
	return AudioChunk{
		SessionID:      "s1",
		SequenceNumber: seq,
		SampleRate:     CanonicalSampleRate,
		Channels:       1,
		Bytes:          EncodePCM16LE(samples),
	}
}

func TestValidateRejectsMalformedChunks(t *testing.T) {
	cases := []struct {
		name  string
		chunk AudioChunk
	}{
		{"empty", AudioChunk{SessionID: "s1", SampleRate: 16000, Channels: 1}},
		{"odd length", AudioChunk{SessionID: "s1", SampleRate: 16000, Channels: 1, Bytes: []byte{1, 2, 3}}},
		{"bad rate", AudioChunk{SessionID: "s1", SampleRate: 4000, Channels: 1, Bytes: make([]byte, 64)}},
		{"bad channels", AudioChunk{SessionID: "s1", SampleRate: 16000, Channels: 6, Bytes: make([]byte, 64)}},
		{"oversized", AudioChunk{SessionID: "s1", SampleRate: 16000, Channels: 1, Bytes: make([]byte, MaxChunkBytes+2)}},
		{"too short", AudioChunk{SessionID: "s1", SampleRate: 16000, Channels: 1, Bytes: make([]byte, 2)}},
	}
	for _, tc := range cases {
		if err := tc.chunk.Validate(); !errors.Is(err, ErrInput) {
			t.Fatalf("%s: Validate() error = %v, want ErrInput", tc.name, err)
		}
	}
}

func TestDecodeStereoAveragesChannels(t *testing.T) {
	stereo := EncodePCM16LE([]int16{100, 300, -200, -400})
	got := DecodePCM16LE(stereo, 2)
	if len(got) != 2 || got[0] != 200 || got[1] != -300 {
		t.Fatalf("DecodePCM16LE() = %v, want [200 -300]", got)
	}
}

func TestResampleChangesLength(t *testing.T) {
	in := make([]int16, 8000)
	out := Resample(in, 8000, 16000)
	if len(out) != 16000 {
		t.Fatalf("len(Resample()) = %d, want 16000", len(out))
	}
}

func TestFrameBufferDropsOutOfOrderWithoutTouchingWindow(t *testing.T) {
	b := NewFrameBuffer(time.Second)
	if _, err := b.Push(monoChunk(5, []int16{1, 2, 3, 4})); err != nil {
		t.Fatalf("Push(5) error = %v", err)
	}
	before := b.Window()

	if _, err := b.Push(monoChunk(3, []int16{9, 9, 9, 9})); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("Push(3) error = %v, want ErrOutOfOrder", err)
	}
	if _, err := b.Push(monoChunk(5, []int16{7, 7, 7, 7})); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Push(5 again) error = %v, want ErrDuplicate", err)
	}

	after := b.Window()
	if len(after) != len(before) {
		t.Fatalf("window len = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("window[%d] = %d, want %d", i, after[i], before[i])
		}
	}
	if seq, _ := b.LastSequence(); seq != 5 {
		t.Fatalf("LastSequence() = %d, want 5", seq)
	}
}

func TestFrameBufferKeepsTrailingWindow(t *testing.T) {
	b := NewFrameBuffer(time.Millisecond) // 16 samples
	var seq int64
	for v := int16(0); v < 40; v += 4 {
		seq++
		if _, err := b.Push(monoChunk(seq, []int16{v, v + 1, v + 2, v + 3})); err != nil {
			t.Fatalf("Push(%d) error = %v", seq, err)
		}
	}
	w := b.Window()
	if len(w) != 16 {
		t.Fatalf("len(Window()) = %d, want 16", len(w))
	}
	if w[0] != 24 || w[15] != 39 {
		t.Fatalf("Window() = %v, want 24..39", w)
	}
	if b.TotalDuration() != 40*time.Second/CanonicalSampleRate {
		t.Fatalf("TotalDuration() = %v", b.TotalDuration())
	}
}

func TestWAVRoundTrip(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}
	wav, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 44+len(samples)*2 {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(samples)*2)
	}
	info, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 {
		t.Fatalf("info = %+v, want 16000Hz mono", info)
	}
	got := DecodePCM16LE(info.PCM, 1)
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("not a wav file at all")); !errors.Is(err, ErrInput) {
		t.Fatalf("DecodeWAV() error = %v, want ErrInput", err)
	}
}
