package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMemoryLogChainsEntries(t *testing.T) {
	l := NewMemoryLog(0)
	ctx := context.Background()
	for _, k := range []Kind{KindSessionCreated, KindEmergencyDetected, KindSessionEnded} {
		if _, err := l.Append(ctx, k, "s1", map[string]any{"confidence": 0.65}); err != nil {
			t.Fatalf("Append(%s) error = %v", k, err)
		}
	}
	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].PrevDigest != "" || entries[1].PrevDigest != entries[0].Digest {
		t.Fatalf("entries not linked: %+v", entries)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	entries[1].Data["confidence"] = 0.1
	if err := Verify(entries); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify(tampered) error = %v, want ErrChainBroken", err)
	}
}

func TestMemoryLogLimit(t *testing.T) {
	l := NewMemoryLog(2)
	for i := 0; i < 5; i++ {
		_, _ = l.Append(context.Background(), KindNotification, "s1", nil)
	}
	entries := l.Entries()
	if len(entries) != 2 || entries[1].Seq != 5 {
		t.Fatalf("entries = %+v, want the last two", entries)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("Verify(trimmed) error = %v", err)
	}
}

func TestAppendRedactsPII(t *testing.T) {
	l := NewMemoryLog(0)
	e, err := l.Append(context.Background(), KindEmergencyDetected, "s1", map[string]any{
		"text":     "email me at ada@example.com",
		"keywords": []string{"fire", "bob@example.org"},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if strings.Contains(e.Data["text"].(string), "@") {
		t.Fatalf("text not redacted: %v", e.Data["text"])
	}
	if kw := e.Data["keywords"].([]string); kw[0] != "fire" || strings.Contains(kw[1], "@") {
		t.Fatalf("keywords = %v", kw)
	}
}

func TestFileLogResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	ctx := context.Background()

	l, err := OpenFileLog(path)
	if err != nil {
		t.Fatalf("OpenFileLog() error = %v", err)
	}
	_, _ = l.Append(ctx, KindSessionCreated, "s1", map[string]any{"user": "u1"})
	_, _ = l.Append(ctx, KindAudioPurged, "s1", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	l, err = OpenFileLog(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	e, err := l.Append(ctx, KindRecordDeleted, "s1", nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.Seq != 3 {
		t.Fatalf("Seq = %d, want 3", e.Seq)
	}
	_ = l.Close()

	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyDetectsDroppedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := OpenFileLog(path)
	if err != nil {
		t.Fatalf("OpenFileLog() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = l.Append(context.Background(), KindNotification, "s1", nil)
	}
	_ = l.Close()

	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if err := os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if err := Verify(entries); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify() error = %v, want ErrChainBroken", err)
	}
}
