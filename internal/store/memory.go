package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	audio   map[string]map[int64][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
		audio:   make(map[string]map[int64][]byte),
	}
}

func (s *InMemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.SessionID]; ok {
		return ErrExists
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.records[rec.SessionID] = cloneRecord(rec)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.SessionID]
	if !ok {
		return ErrNotFound
	}
	rec = keepPurged(stored, rec)
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.SessionID] = cloneRecord(rec)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.records, sessionID)
	delete(s.audio, sessionID)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *InMemoryStore) AppendAudio(_ context.Context, sessionID string, seq int64, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if rec.AudioDataDeleted {
		return ErrRetentionViolation
	}
	chunks := s.audio[sessionID]
	if chunks == nil {
		chunks = make(map[int64][]byte)
		s.audio[sessionID] = chunks
	}
	chunks[seq] = slices.Clone(pcm)
	return nil
}

func (s *InMemoryStore) Audio(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.AudioDataDeleted {
		return nil, ErrRetentionViolation
	}
	chunks := s.audio[sessionID]
	seqs := make([]int64, 0, len(chunks))
	for seq := range chunks {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	var out []byte
	for _, seq := range seqs {
		out = append(out, chunks[seq]...)
	}
	return out, nil
}

func (s *InMemoryStore) PurgeAudio(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(s.audio, sessionID)
	if !rec.AudioDataDeleted {
		rec.AudioDataDeleted = true
		rec.UpdatedAt = time.Now().UTC()
		s.records[sessionID] = rec
	}
	return nil
}

func (s *InMemoryStore) PurgeTranscript(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !rec.TranscriptDataDeleted {
		rec.Transcript = nil
		rec.TranscriptDataDeleted = true
		rec.UpdatedAt = time.Now().UTC()
		s.records[sessionID] = rec
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
