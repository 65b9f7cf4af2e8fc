package protocol

import (
	"errors"
	"testing"

	"github.com/ent0n29/vigil/internal/audio"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":1,"pcm16_base64":"AQIDBA==","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chunk, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioChunk", msg)
	}
	if chunk.SessionID != "s1" || chunk.SampleRate != 16000 {
		t.Fatalf("unexpected audio chunk: %+v", chunk)
	}
	c, err := chunk.Chunk()
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if c.SequenceNumber != 1 || len(c.Bytes) != 4 || c.CapturedAtMs != 123 {
		t.Fatalf("Chunk() = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestClientAudioChunkRejectsBadBase64(t *testing.T) {
	_, err := ClientAudioChunk{SessionID: "s1", PCM16Base64: "!!", SampleRate: 16000}.Chunk()
	if !errors.Is(err, audio.ErrInput) {
		t.Fatalf("Chunk() error = %v, want ErrInput", err)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageTranscript(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_transcript","session_id":"s1","text":"ina n jo","final":true}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	tr, ok := msg.(ClientTranscript)
	if !ok {
		t.Fatalf("message type = %T, want ClientTranscript", msg)
	}
	if tr.Text != "ina n jo" || !tr.Final {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"pause","reason":"user_hold","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionPause {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
	if control.Reason != "user_hold" {
		t.Fatalf("Reason = %q, want %q", control.Reason, "user_hold")
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"explode"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsInvalidAudioChunk(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_audio_chunk","session_id":"","pcm16_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func BenchmarkParseClientMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":7,"pcm16_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000,"ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientAudioChunk); !ok {
			b.Fatalf("message type = %T, want ClientAudioChunk", msg)
		}
	}
}
