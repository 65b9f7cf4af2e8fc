// Package session owns the registry of live voice sessions, their lifecycle
// and their durable records.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/observability"
	"github.com/ent0n29/vigil/internal/policy"
	"github.com/ent0n29/vigil/internal/reliability"
	"github.com/ent0n29/vigil/internal/store"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrRetentionViolation is the store sentinel so callers can match either.
	ErrRetentionViolation = store.ErrRetentionViolation
	// ErrPersist means the session record could not be written after retries.
	ErrPersist = errors.New("session persistence failed")
)

var transitions = map[Status][]Status{
	StatusCreated: {StatusActive},
	StatusActive:  {StatusPaused},
	StatusPaused:  {StatusActive},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Option func(*Manager)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRetryPolicy(p reliability.Policy) Option {
	return func(m *Manager) { m.retry = p }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

type entry struct {
	mu        sync.Mutex
	s         *Session
	summary   *Summary
	persisted bool
}

// Manager is the session registry. The map lock only guards membership;
// each session's state is guarded by its own entry lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	store    store.Store
	defaults config.SessionConfig
	now      func() time.Time
	retry    reliability.Policy
	metrics  *observability.Metrics
}

func NewManager(st store.Store, defaults config.SessionConfig, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*entry),
		store:    st,
		defaults: defaults,
		now:      time.Now,
		retry:    reliability.Policy{Attempts: 4, Base: 100 * time.Millisecond, Cap: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Defaults() config.SessionConfig { return m.defaults }

// Create validates cfg against the defaults, assigns retention timestamps and
// persists the new record before registering it.
func (m *Manager) Create(ctx context.Context, userID string, cfg config.SessionConfig) (*Session, error) {
	cfg, err := cfg.Normalize(m.defaults)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	s := &Session{
		ID:                    uuid.NewString(),
		UserID:                userID,
		Language:              cfg.Language,
		Status:                StatusCreated,
		Config:                cfg,
		StartedAt:             now,
		AudioRetentionAt:      now.Add(days(cfg.AudioRetentionDays)),
		TranscriptRetentionAt: now.Add(days(cfg.RetentionDays)),
	}
	rec, err := toRecord(s)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, func() error { return m.store.Create(ctx, rec) }); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrPersist, s.ID, err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{s: s}
	m.mu.Unlock()

	m.event("created")
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	logging.Infow("session created", append(logging.SessionFields(s.ID, userID), "language", cfg.Language)...)
	return clone(s), nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.s), nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Activate moves a created or paused session to active.
func (m *Manager) Activate(ctx context.Context, sessionID string) error {
	return m.UpdateStatus(ctx, sessionID, StatusActive)
}

// UpdateStatus applies a non-terminal transition. Ending goes through End.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, to Status) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.s.Status
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.s.Status = to
	m.event(string(to))

	rec, err := toRecord(e.s)
	if err == nil {
		err = m.persist(ctx, func() error { return m.store.Update(ctx, rec) })
	}
	if err != nil {
		// The registry is authoritative for live sessions; the stored status
		// catches up on the next write.
		logging.Warnw("persist session status failed", "session.id", sessionID, "status", to, "error", err)
	}
	return nil
}

func (m *Manager) RecordTranscription(sessionID string, t Transcription) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.Terminal() {
		return fmt.Errorf("%w: record transcription on %s session", ErrInvalidTransition, e.s.Status)
	}
	if t.At.IsZero() {
		t.At = m.now().UTC()
	}
	if t.Language == "" {
		t.Language = e.s.Language
	}
	e.s.Transcriptions = append(e.s.Transcriptions, t)
	return nil
}

// RecordEmergencyEvent appends ev, filling its id, session and timestamp.
func (m *Manager) RecordEmergencyEvent(sessionID string, ev EmergencyEvent) (EmergencyEvent, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return EmergencyEvent{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status.Terminal() {
		return EmergencyEvent{}, fmt.Errorf("%w: record event on %s session", ErrInvalidTransition, e.s.Status)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.SessionID = sessionID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = m.now().UTC()
	}
	e.s.EmergencyEvents = append(e.s.EmergencyEvents, ev)
	m.event("emergency")
	logging.Warnw("emergency recorded", "session.id", sessionID, "category", ev.Category,
		"confidence", ev.Confidence, "urgency", ev.UrgencyLevel, "notifications", ev.NotificationsSent)
	return ev, nil
}

// UpdateMetrics applies fn to the session counters under the session lock.
func (m *Manager) UpdateMetrics(sessionID string, fn func(*Metrics)) error {
	e, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.s.Metrics)
	return nil
}

// Transcript returns a live session's transcript, or the stored one for an
// ended session. Purged transcripts yield ErrRetentionViolation.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]Transcription, error) {
	if e, err := m.lookup(sessionID); err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return append([]Transcription(nil), e.s.Transcriptions...), nil
	}
	rec, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.TranscriptDataDeleted {
		return nil, ErrRetentionViolation
	}
	var out []Transcription
	if len(rec.Transcript) > 0 {
		if err := json.Unmarshal(rec.Transcript, &out); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	return out, nil
}

// End computes the summary once, persists the final record and removes the
// session from the registry. Repeated calls return the same summary. When
// persistence still fails after retries the session is marked error, kept in
// the registry and ErrPersist is returned; a later End retries the write.
func (m *Manager) End(ctx context.Context, sessionID string, reason TerminationReason) (Summary, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return m.storedSummary(ctx, sessionID, reason)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.persisted {
		return cloneSummary(*e.summary), nil
	}
	if e.summary == nil {
		sum := buildSummary(e.s, reason, m.now().UTC())
		e.summary = &sum
	}
	e.s.Status = e.summary.Status

	rec, err := toRecord(e.s)
	if err == nil {
		rec.TerminationReason = string(e.summary.TerminationReason)
		rec.EndedAt = e.summary.EndedAt
		rec.Summary, err = json.Marshal(e.summary)
	}
	if err == nil {
		err = m.persist(ctx, func() error { return m.store.Update(ctx, rec) })
	}
	if err != nil {
		e.s.Status = StatusError
		m.event("persist_failed")
		logging.Errorw("persist ended session failed", "session.id", sessionID, "reason", reason, "error", err)
		return Summary{}, fmt.Errorf("%w: end %s: %w", ErrPersist, sessionID, err)
	}
	e.persisted = true

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.event("ended_" + string(e.summary.TerminationReason))
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
	logging.Infow("session ended", append(logging.SessionFields(sessionID, e.s.UserID),
		"reason", e.summary.TerminationReason, "duration_ms", e.summary.DurationMS,
		"emergencies", e.summary.EmergencyCount)...)
	return cloneSummary(*e.summary), nil
}

// storedSummary answers End for a session that is no longer live. A record
// left open by an earlier process is finalized here.
func (m *Manager) storedSummary(ctx context.Context, sessionID string, reason TerminationReason) (Summary, error) {
	rec, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	if len(rec.Summary) == 0 {
		if rec.Ended() {
			return Summary{}, fmt.Errorf("%w: %s is not live and has no summary", ErrNotFound, sessionID)
		}
		return m.endOrphan(ctx, rec, reason)
	}
	var sum Summary
	if err := json.Unmarshal(rec.Summary, &sum); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

func (m *Manager) endOrphan(ctx context.Context, rec store.Record, reason TerminationReason) (Summary, error) {
	s := &Session{
		ID:        rec.SessionID,
		UserID:    rec.UserID,
		Language:  rec.Language,
		Status:    Status(rec.Status),
		StartedAt: rec.StartedAt,
	}
	if len(rec.Transcript) > 0 {
		if err := json.Unmarshal(rec.Transcript, &s.Transcriptions); err != nil {
			return Summary{}, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(rec.Events) > 0 {
		if err := json.Unmarshal(rec.Events, &s.EmergencyEvents); err != nil {
			return Summary{}, fmt.Errorf("decode events: %w", err)
		}
	}
	sum := buildSummary(s, reason, m.now().UTC())
	raw, err := json.Marshal(sum)
	if err != nil {
		return Summary{}, fmt.Errorf("encode summary: %w", err)
	}
	rec.Status = string(sum.Status)
	rec.TerminationReason = string(reason)
	rec.EndedAt = sum.EndedAt
	rec.Summary = raw
	if err := m.persist(ctx, func() error { return m.store.Update(ctx, rec) }); err != nil {
		return Summary{}, fmt.Errorf("%w: end %s: %w", ErrPersist, rec.SessionID, err)
	}
	m.event("ended_" + string(reason))
	logging.Infow("orphaned session ended", append(logging.SessionFields(rec.SessionID, rec.UserID),
		"reason", reason, "duration_ms", sum.DurationMS)...)
	return sum, nil
}

func (m *Manager) persist(ctx context.Context, fn func() error) error {
	return reliability.Retry(ctx, m.retry, func(int) error {
		err := fn()
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExists) {
			return reliability.Permanent(err)
		}
		return err
	})
}

func (m *Manager) event(name string) {
	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

// toRecord builds the durable form of s. Transcript text is redacted.
func toRecord(s *Session) (store.Record, error) {
	redacted := make([]Transcription, len(s.Transcriptions))
	for i, t := range s.Transcriptions {
		t.Text, _ = policy.RedactPII(t.Text)
		redacted[i] = t
	}
	transcript, err := json.Marshal(redacted)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode transcript: %w", err)
	}
	events, err := json.Marshal(s.EmergencyEvents)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode events: %w", err)
	}
	return store.Record{
		SessionID:             s.ID,
		UserID:                s.UserID,
		Language:              s.Language,
		Status:                string(s.Status),
		StartedAt:             s.StartedAt,
		MaxDurationMS:         s.Config.MaxSessionDurationMs,
		AudioRetentionAt:      s.AudioRetentionAt,
		TranscriptRetentionAt: s.TranscriptRetentionAt,
		AudioSampleRate:       audio.CanonicalSampleRate,
		Transcript:            transcript,
		Events:                events,
	}, nil
}

func cloneSummary(s Summary) Summary {
	s.Categories = append([]string(nil), s.Categories...)
	s.ActionItems = append([]string{}, s.ActionItems...)
	return s
}
