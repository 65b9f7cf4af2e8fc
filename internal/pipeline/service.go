// Package pipeline runs one worker goroutine per live session and exposes
// the session ingress API: start, push audio, push transcript, end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/vigil/internal/acoustic"
	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/audit"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/detect"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/lexical"
	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/notify"
	"github.com/ent0n29/vigil/internal/observability"
	"github.com/ent0n29/vigil/internal/session"
	"github.com/ent0n29/vigil/internal/store"
	"github.com/ent0n29/vigil/internal/transcribe"
)

var (
	// ErrBackpressure means the session inbox is full and the input was
	// dropped.
	ErrBackpressure = errors.New("session inbox full")
	ErrPaused       = errors.New("session is paused")
	ErrClosed       = errors.New("pipeline closed")
)

type Config struct {
	// QueueSize bounds each session inbox.
	QueueSize int
	// Window is the trailing audio analyzed per evaluation.
	Window            time.Duration
	TranscribeTimeout time.Duration
	// TranscribeSegment is how much audio is sent per provider call.
	TranscribeSegment time.Duration
	// TurnEndSilence closes a turn after this much trailing silence.
	TurnEndSilence time.Duration
	Thresholds     fusion.Thresholds
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Window <= 0 {
		c.Window = 3 * time.Second
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 5 * time.Second
	}
	if c.TranscribeSegment <= 0 {
		c.TranscribeSegment = 2 * time.Second
	}
	if c.TurnEndSilence <= 0 {
		c.TurnEndSilence = 800 * time.Millisecond
	}
	if c.Thresholds == (fusion.Thresholds{}) {
		c.Thresholds = fusion.DefaultThresholds()
	}
	return c
}

// Deps are the collaborators shared by every session. Provider, Notifier,
// Audit and Metrics are optional.
type Deps struct {
	Sessions *session.Manager
	Store    store.Store
	Scorer   *lexical.Scorer
	Provider transcribe.Provider
	Notifier notify.Dispatcher
	Audit    audit.Log
	Metrics  *observability.Metrics
}

type Service struct {
	cfg      Config
	sessions *session.Manager
	store    store.Store
	scorer   *lexical.Scorer
	provider transcribe.Provider
	notifier notify.Dispatcher
	audit    audit.Log
	metrics  *observability.Metrics

	// base outlives individual sessions so alert notifications finish
	// after the session that raised them has ended.
	base   context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu      sync.RWMutex
	workers map[string]*worker
	closed  bool
}

func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Sessions == nil || deps.Store == nil {
		return nil, errors.New("pipeline requires a session manager and a store")
	}
	cfg = cfg.withDefaults()
	if _, err := fusion.NewEngine(fusion.DefaultWeights(), cfg.Thresholds); err != nil {
		return nil, err
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = lexical.NewScorer(nil)
	}
	provider := deps.Provider
	if provider != nil {
		provider = transcribe.WithTimeout(provider, cfg.TranscribeTimeout)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		sessions: deps.Sessions,
		store:    deps.Store,
		scorer:   scorer,
		provider: provider,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		base:     base,
		cancel:   cancel,
		workers:  make(map[string]*worker),
	}, nil
}

// StartSession creates and activates a session and starts its worker.
func (s *Service) StartSession(ctx context.Context, userID string, cfg config.SessionConfig) (*session.Session, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	sess, err := s.sessions.Create(ctx, userID, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Activate(ctx, sess.ID); err != nil {
		return nil, err
	}
	sess.Status = session.StatusActive

	engine, err := fusion.NewEngine(fusion.Weights{
		Text:  sess.Config.FusionWeights.Text,
		Audio: sess.Config.FusionWeights.Audio,
	}, s.cfg.Thresholds)
	if err != nil {
		_, _ = s.sessions.End(ctx, sess.ID, session.ReasonError)
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidSessionConfig, err)
	}
	ctrl := detect.NewController(detect.Config{
		Window:         s.cfg.Window,
		AlertThreshold: sess.Config.AlertThreshold,
		Language:       sess.Language,
		TurnEndSilence: s.cfg.TurnEndSilence,
	}, s.scorer, engine)

	w := newWorker(s, sess, ctrl)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_, _ = s.sessions.End(ctx, sess.ID, session.ReasonError)
		return nil, ErrClosed
	}
	s.workers[sess.ID] = w
	s.mu.Unlock()
	go w.run()

	s.record(ctx, audit.KindSessionCreated, sess.ID, map[string]any{
		"user_id":  userID,
		"language": sess.Language,
	})
	return sess, nil
}

func (s *Service) worker(sessionID string) (*worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	w, ok := s.workers[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return w, nil
}

// PushAudioChunk validates chunk and queues it for the session worker.
// Malformed chunks return audio.ErrInput. A full inbox drops the chunk and
// returns ErrBackpressure. Ordering is checked by the worker, which drops
// out-of-order and duplicate chunks.
func (s *Service) PushAudioChunk(ctx context.Context, sessionID string, chunk audio.AudioChunk) error {
	if chunk.SessionID == "" {
		chunk.SessionID = sessionID
	}
	if chunk.SessionID != sessionID {
		s.chunkOutcome("invalid")
		return fmt.Errorf("%w: chunk belongs to session %q", audio.ErrInput, chunk.SessionID)
	}
	if err := chunk.Validate(); err != nil {
		s.chunkOutcome("invalid")
		return err
	}
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	if w.paused.Load() {
		s.chunkOutcome("paused")
		_ = s.sessions.UpdateMetrics(sessionID, func(m *session.Metrics) { m.ChunksDropped++ })
		return ErrPaused
	}
	return w.offer(input{kind: inputAudio, chunk: chunk})
}

// PushTranscript queues client-side transcript text. Partial text replaces
// the turn's previous partial; final text commits and closes the turn.
func (s *Service) PushTranscript(ctx context.Context, sessionID, text string, final bool) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	return w.offer(input{kind: inputTranscript, text: text, final: final})
}

// UpdateStatus pauses or resumes a session.
func (s *Service) UpdateStatus(ctx context.Context, sessionID string, to session.Status) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.UpdateStatus(ctx, sessionID, to); err != nil {
		return err
	}
	w.paused.Store(to == session.StatusPaused)
	return nil
}

// EndSession ends a session at the client's request.
func (s *Service) EndSession(ctx context.Context, sessionID string) (session.Summary, error) {
	return s.End(ctx, sessionID, session.ReasonClientEnd)
}

// End stops the session worker, waits for its queued inputs and pending
// alerts, then finalizes the session. It is idempotent: concurrent callers
// all wait on the same worker shutdown and get the same summary. The worker
// stays registered until finalization succeeds so a retry after a
// persistence failure still reaches its subscribers.
func (s *Service) End(ctx context.Context, sessionID string, reason session.TerminationReason) (session.Summary, error) {
	s.mu.RLock()
	w := s.workers[sessionID]
	s.mu.RUnlock()

	if w != nil {
		w.stop()
	}
	sum, err := s.sessions.End(ctx, sessionID, reason)
	if w == nil || err != nil {
		return sum, err
	}

	s.mu.Lock()
	owner := s.workers[sessionID] == w
	if owner {
		delete(s.workers, sessionID)
	}
	s.mu.Unlock()
	if owner {
		w.publish(Event{Type: EventSessionEnded, Reason: string(sum.TerminationReason), Summary: &sum})
		s.record(ctx, audit.KindSessionEnded, sessionID, map[string]any{
			"reason":      string(sum.TerminationReason),
			"duration_ms": sum.DurationMS,
			"emergencies": sum.EmergencyCount,
		})
		w.closeSubscribers()
	}
	return sum, nil
}

// Defaults are the session defaults applied at StartSession.
func (s *Service) Defaults() config.SessionConfig { return s.sessions.Defaults() }

// Get returns a snapshot of a live session.
func (s *Service) Get(sessionID string) (*session.Session, error) {
	return s.sessions.Get(sessionID)
}

// Transcript returns the session transcript; purged transcripts yield
// session.ErrRetentionViolation.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]session.Transcription, error) {
	return s.sessions.Transcript(ctx, sessionID)
}

// AudioWAV returns the archived session audio as a WAV file.
func (s *Service) AudioWAV(ctx context.Context, sessionID string) ([]byte, error) {
	pcm, err := s.store.Audio(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return audio.EncodeWAVPCM16LE(pcm, audio.CanonicalSampleRate, 1)
}

// Subscribe streams a live session's events. The channel is closed when the
// session ends or cancel is called. Slow subscribers miss events.
func (s *Service) Subscribe(sessionID string, buffer int) (<-chan Event, func(), error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := w.subscribe(buffer)
	return ch, cancel, nil
}

// ActiveSessions counts running workers.
func (s *Service) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// Ready reports whether new sessions are accepted.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close ends every live session and waits for background work.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := s.End(ctx, id, session.ReasonClientEnd); err != nil {
			errs = append(errs, fmt.Errorf("end %s: %w", id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	s.cancel()
	return errors.Join(errs...)
}

// AssessRequest is a one-shot evaluation input. PCM is optional.
type AssessRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	PCM        []byte `json:"pcm,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Assess scores text and audio without a session using the default fusion
// weights.
func (s *Service) Assess(ctx context.Context, req AssessRequest) (fusion.Assessment, error) {
	_, span := observability.StartSpan(ctx, "pipeline.assess")
	defer span.End()

	defaults := s.sessions.Defaults()
	engine, err := fusion.NewEngine(fusion.Weights{Text: defaults.FusionWeights.Text, Audio: defaults.FusionWeights.Audio}, s.cfg.Thresholds)
	if err != nil {
		return fusion.Assessment{}, err
	}
	lang := req.Language
	if lang == "" {
		lang = defaults.Language
	}

	var text *lexical.TextSignal
	if req.Text != "" {
		sig := s.scorer.ScoreText(req.Text, lang)
		text = &sig
	}
	var features *acoustic.FeatureVector
	if len(req.PCM) > 0 {
		samples, err := canonicalPCM(req.PCM, req.SampleRate, req.Channels)
		if err != nil {
			return fusion.Assessment{}, err
		}
		fv := acoustic.Extract(samples, audio.CanonicalSampleRate)
		features = &fv
	}
	if text == nil && features == nil {
		return fusion.Assessment{}, fmt.Errorf("%w: text or audio is required", audio.ErrInput)
	}
	a := engine.Fuse(text, features)
	if s.metrics != nil {
		s.metrics.Assessments.WithLabelValues(string(a.UrgencyLevel)).Inc()
	}
	return a, nil
}

// canonicalPCM converts a clip of any length to canonical samples. Only the
// per-chunk size limit is waived.
func canonicalPCM(pcm []byte, rate, channels int) ([]int16, error) {
	if rate == 0 {
		rate = audio.CanonicalSampleRate
	}
	if channels == 0 {
		channels = 1
	}
	probe := audio.AudioChunk{SessionID: "assess", SampleRate: rate, Channels: channels, Bytes: pcm}
	if len(pcm) > audio.MaxChunkBytes {
		frame := 2 * channels
		if len(pcm)%frame != 0 {
			return nil, fmt.Errorf("%w: payload length %d is not a multiple of %d", audio.ErrInput, len(pcm), frame)
		}
		probe.Bytes = pcm[:audio.MaxChunkBytes-audio.MaxChunkBytes%frame]
	}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	return audio.Resample(audio.DecodePCM16LE(pcm, channels), rate, audio.CanonicalSampleRate), nil
}

// chunkOutcome counts a chunk by outcome. Every rejection also shows up as
// an indicator in the latency snapshot.
func (s *Service) chunkOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Chunks.WithLabelValues(outcome).Inc()
	if outcome != "accepted" {
		s.metrics.ObserveIndicator("chunk_dropped_" + outcome)
	}
}

func (s *Service) record(ctx context.Context, kind audit.Kind, sessionID string, data map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, kind, sessionID, data); err != nil {
		logging.Errorw("audit append failed", "session.id", sessionID, "kind", kind, "error", err)
	}
}
