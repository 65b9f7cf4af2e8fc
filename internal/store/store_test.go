package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newRecord(id string) Record {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return Record{
		SessionID:             id,
		UserID:                "u1",
		Language:              "english",
		Status:                "active",
		StartedAt:             now,
		MaxDurationMS:         3_600_000,
		AudioRetentionAt:      now.Add(7 * 24 * time.Hour),
		TranscriptRetentionAt: now.Add(30 * 24 * time.Hour),
		Transcript:            json.RawMessage(`[{"text":"hello"}]`),
	}
}

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, newRecord("a")); !errors.Is(err, ErrExists) {
		t.Fatalf("Create(dup) error = %v, want ErrExists", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || string(got.Transcript) != `[{"text":"hello"}]` {
		t.Fatalf("Get() = %+v, want stored record", got)
	}

	got.Status = "ended"
	got.TerminationReason = "client_end"
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got, _ := s.Get(ctx, "a"); got.Status != "ended" || got.TerminationReason != "client_end" {
		t.Fatalf("after Update = %+v", got)
	}
	if err := s.Update(ctx, newRecord("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
	}

	// Chunks are returned in sequence order regardless of write order.
	for _, seq := range []int64{2, 0, 1} {
		if err := s.AppendAudio(ctx, "a", seq, []byte{byte(seq), byte(seq)}); err != nil {
			t.Fatalf("AppendAudio(%d) error = %v", seq, err)
		}
	}
	pcm, err := s.Audio(ctx, "a")
	if err != nil {
		t.Fatalf("Audio() error = %v", err)
	}
	if want := []byte{0, 0, 1, 1, 2, 2}; !bytes.Equal(pcm, want) {
		t.Fatalf("Audio() = %v, want %v", pcm, want)
	}

	for i := 0; i < 2; i++ {
		if err := s.PurgeAudio(ctx, "a"); err != nil {
			t.Fatalf("PurgeAudio() pass %d error = %v", i, err)
		}
	}
	if _, err := s.Audio(ctx, "a"); !errors.Is(err, ErrRetentionViolation) {
		t.Fatalf("Audio(purged) error = %v, want ErrRetentionViolation", err)
	}
	if err := s.AppendAudio(ctx, "a", 3, []byte{3, 3}); !errors.Is(err, ErrRetentionViolation) {
		t.Fatalf("AppendAudio(purged) error = %v, want ErrRetentionViolation", err)
	}
	got, _ = s.Get(ctx, "a")
	if !got.AudioDataDeleted || got.TranscriptDataDeleted || len(got.Transcript) == 0 {
		t.Fatalf("after PurgeAudio = %+v, want audio purged and transcript kept", got)
	}

	stale := got
	stale.AudioDataDeleted = false
	if err := s.Update(ctx, stale); err != nil {
		t.Fatalf("Update(stale) error = %v", err)
	}
	if got, _ := s.Get(ctx, "a"); !got.AudioDataDeleted {
		t.Fatalf("stale Update cleared AudioDataDeleted")
	}

	for i := 0; i < 2; i++ {
		if err := s.PurgeTranscript(ctx, "a"); err != nil {
			t.Fatalf("PurgeTranscript() pass %d error = %v", i, err)
		}
	}
	got, _ = s.Get(ctx, "a")
	if !got.TranscriptDataDeleted || len(got.Transcript) != 0 {
		t.Fatalf("after PurgeTranscript = %+v, want transcript cleared", got)
	}

	if err := s.Create(ctx, newRecord("b")); err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "a" || list[1].SessionID != "b" {
		t.Fatalf("List() = %d records, want a and b", len(list))
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewInMemoryStore())
}

func TestBadgerStoreContract(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	defer s.Close()
	testStoreContract(t, s)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	if err := s.Create(context.Background(), newRecord("persisted")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	got, err := s.Get(context.Background(), "persisted")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if !got.StartedAt.Equal(newRecord("").StartedAt) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, newRecord("").StartedAt)
	}
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, newRecord("a"))
	got, _ := s.Get(ctx, "a")
	got.Transcript[0] = 'X'
	again, _ := s.Get(ctx, "a")
	if again.Transcript[0] != '[' {
		t.Fatalf("stored transcript mutated through returned record")
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	s, err := NewStore(context.Background(), "", "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if Backend(s) != "memory" {
		t.Fatalf("Backend = %q, want memory", Backend(s))
	}
	s, err = NewStore(context.Background(), "", t.TempDir())
	if err != nil {
		t.Fatalf("NewStore(path) error = %v", err)
	}
	defer s.Close()
	if Backend(s) != "badger" {
		t.Fatalf("Backend = %q, want badger", Backend(s))
	}
}
