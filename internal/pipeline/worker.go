package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

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

type inputKind int

// minSegment is the shortest audio segment sent to a provider.
const minSegment = 250 * time.Millisecond

const (
	inputAudio inputKind = iota
	inputTranscript
	inputSegment
)

type input struct {
	kind   inputKind
	chunk  audio.AudioChunk
	text   string
	final  bool
	result transcribe.Result
	err    error
	took   time.Duration
}

// worker is the single writer for one session's detection state.
type worker struct {
	svc    *Service
	id     string
	userID string
	cfg    config.SessionConfig
	ctrl   *detect.Controller
	log    logging.Logger
	inbox  chan input
	paused atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	done   chan struct{}
	alerts sync.WaitGroup

	// stopMu orders offers against stop: an offer that succeeds lands in
	// the inbox before quit is closed, so run drains it.
	stopMu  sync.Mutex
	stopped bool

	// Owned by run.
	segment      []int16
	transcribing bool

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

func newWorker(s *Service, sess *session.Session, ctrl *detect.Controller) *worker {
	ctx, cancel := context.WithCancel(s.base)
	return &worker{
		svc:    s,
		id:     sess.ID,
		userID: sess.UserID,
		cfg:    sess.Config,
		ctrl:   ctrl,
		log:    logging.With(logging.SessionFields(sess.ID, sess.UserID)...),
		inbox:  make(chan input, s.cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Event),
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case in := <-w.inbox:
			w.handle(in)
		case <-w.quit:
			// Inputs accepted before the stop are still processed in order.
			for {
				select {
				case in := <-w.inbox:
					w.handle(in)
				default:
					return
				}
			}
		}
	}
}

// stop cancels in-flight transcription, drains the inbox and waits for
// pending alert notifications.
func (w *worker) stop() {
	w.stopMu.Lock()
	if !w.stopped {
		w.stopped = true
		w.cancel()
		close(w.quit)
	}
	w.stopMu.Unlock()
	<-w.done
	w.alerts.Wait()
}

// offer never blocks; a full inbox drops the input. Inputs offered after
// stop are rejected with session.ErrNotFound.
func (w *worker) offer(in input) error {
	isAudio := in.kind == inputAudio
	w.stopMu.Lock()
	if w.stopped {
		w.stopMu.Unlock()
		if isAudio {
			w.svc.chunkOutcome("ended")
		}
		w.log.Warnw("session ending, input rejected", "seq", in.chunk.SequenceNumber, "audio", isAudio)
		return session.ErrNotFound
	}
	select {
	case w.inbox <- in:
		w.stopMu.Unlock()
		return nil
	default:
	}
	w.stopMu.Unlock()
	if isAudio {
		w.svc.chunkOutcome("backpressure")
	}
	_ = w.svc.sessions.UpdateMetrics(w.id, func(m *session.Metrics) {
		m.BackpressureDrops++
		if isAudio {
			m.ChunksDropped++
		}
	})
	w.log.Warnw("session inbox full, input dropped", "seq", in.chunk.SequenceNumber, "audio", isAudio)
	return ErrBackpressure
}

func (w *worker) handle(in input) {
	switch in.kind {
	case inputAudio:
		w.handleAudio(in.chunk)
	case inputTranscript:
		w.handleTranscript(in.text, in.final)
	case inputSegment:
		w.handleSegment(in)
	}
}

func (w *worker) handleAudio(chunk audio.AudioChunk) {
	ctx, span := observability.StartSpan(w.svc.base, "pipeline.chunk_eval",
		attribute.String("session.id", w.id),
		attribute.Int64("chunk.seq", chunk.SequenceNumber))
	start := time.Now()
	samples, d, err := w.ctrl.PushAudio(chunk)
	if err != nil {
		outcome := "invalid"
		switch {
		case errors.Is(err, audio.ErrOutOfOrder):
			outcome = "out_of_order"
		case errors.Is(err, audio.ErrDuplicate):
			outcome = "duplicate"
		}
		w.svc.chunkOutcome(outcome)
		_ = w.svc.sessions.UpdateMetrics(w.id, func(m *session.Metrics) { m.ChunksDropped++ })
		w.log.Warnw("audio chunk dropped", "seq", chunk.SequenceNumber, "reason", outcome, "error", err)
		w.publish(Event{Type: EventChunkDropped, Seq: chunk.SequenceNumber, Reason: outcome})
		observability.EndSpan(span, err)
		return
	}
	w.svc.chunkOutcome("accepted")
	_ = w.svc.sessions.UpdateMetrics(w.id, func(m *session.Metrics) {
		m.ChunksAccepted++
		m.AudioMS += chunk.DurationMS()
	})

	if err := w.svc.store.AppendAudio(ctx, w.id, chunk.SequenceNumber, audio.EncodePCM16LE(samples)); err != nil && !errors.Is(err, store.ErrRetentionViolation) {
		w.log.Warnw("archive audio chunk failed", "seq", chunk.SequenceNumber, "error", err)
	}
	w.queueTranscription(samples)
	w.apply(ctx, d, chunk.SequenceNumber, time.Since(start))
	observability.EndSpan(span, nil)
}

func (w *worker) handleTranscript(text string, final bool) {
	start := time.Now()
	d := w.ctrl.PushTranscript(text, final)
	if text = strings.TrimSpace(text); final && text != "" {
		w.recordTranscript(text, 1, "client", d.Text)
	}
	w.apply(w.svc.base, d, 0, time.Since(start))
}

func (w *worker) handleSegment(in input) {
	w.transcribing = false
	provider := w.svc.provider.Name()
	if m := w.svc.metrics; m != nil && in.took > 0 {
		m.ObserveStage(observability.StageTranscribe, in.took)
	}
	switch {
	case in.err != nil:
		if w.ctx.Err() != nil {
			return
		}
		code := transcribe.Code(in.err)
		if m := w.svc.metrics; m != nil {
			m.ProviderErrors.WithLabelValues(provider, code).Inc()
			m.ObserveIndicator("provider_" + code)
		}
		if errors.Is(in.err, transcribe.ErrProviderTimeout) {
			_ = w.svc.sessions.UpdateMetrics(w.id, func(m *session.Metrics) { m.ProviderTimeouts++ })
		}
		w.log.Warnw("transcription unavailable, continuing on audio", "provider", provider, "code", code, "error", in.err)
	case strings.TrimSpace(in.result.Text) != "":
		text := strings.TrimSpace(in.result.Text)
		d := w.ctrl.AppendSegment(text)
		w.recordTranscript(text, in.result.Confidence, in.result.Source, d.Text)
		w.apply(w.svc.base, d, 0, 0)
	}
	w.maybeTranscribe()
}

func (w *worker) segmentSamples() int {
	return int(segmentFor(w.svc.cfg.TranscribeSegment, w.cfg.AudioQuality).Seconds() * audio.CanonicalSampleRate)
}

// segmentFor scales the provider segment by the session's audio quality.
// High quality transcribes shorter segments for lower latency; low quality
// batches longer ones to save provider calls.
func segmentFor(base time.Duration, quality string) time.Duration {
	switch quality {
	case config.AudioQualityHigh:
		return max(base/2, minSegment)
	case config.AudioQualityLow:
		return 2 * base
	default:
		return base
	}
}

func (w *worker) queueTranscription(samples []int16) {
	if w.svc.provider == nil || !w.cfg.RealTimeTranscription {
		return
	}
	w.segment = append(w.segment, samples...)
	// Bound the backlog while a slow call is in flight.
	if limit := 4 * w.segmentSamples(); len(w.segment) > limit {
		w.segment = append([]int16(nil), w.segment[len(w.segment)-limit:]...)
	}
	w.maybeTranscribe()
}

// maybeTranscribe sends the accumulated segment when none is in flight. The
// result comes back through the inbox so the worker stays the only writer.
func (w *worker) maybeTranscribe() {
	if w.transcribing || w.ctx.Err() != nil || len(w.segment) < w.segmentSamples() {
		return
	}
	req := transcribe.Request{
		SessionID:    w.id,
		Samples:      w.segment,
		SampleRate:   audio.CanonicalSampleRate,
		LanguageHint: w.cfg.Language,
	}
	w.segment = nil
	w.transcribing = true

	w.svc.tasks.Add(1)
	go func() {
		defer w.svc.tasks.Done()
		ctx, span := observability.StartSpan(w.ctx, "pipeline.transcribe", attribute.String("session.id", w.id))
		start := time.Now()
		res, err := w.svc.provider.Transcribe(ctx, req)
		observability.EndSpan(span, err)
		select {
		case w.inbox <- input{kind: inputSegment, result: res, err: err, took: time.Since(start)}:
		case <-w.ctx.Done():
		}
	}()
}

func (w *worker) recordTranscript(text string, confidence float64, source string, sig *lexical.TextSignal) {
	t := session.Transcription{
		Text:       text,
		Confidence: confidence,
		Language:   w.cfg.Language,
		Final:      true,
		Source:     source,
		At:         time.Now().UTC(),
	}
	if sig != nil {
		t.EmotionalTone = sig.EmotionalTone
	}
	if err := w.svc.sessions.RecordTranscription(w.id, t); err != nil {
		w.log.Warnw("record transcription failed", "error", err)
		return
	}
	w.publish(Event{Type: EventTranscript, Transcript: &t})
}

func (w *worker) apply(ctx context.Context, d detect.Decision, seq int64, total time.Duration) {
	a := d.Assessment
	if m := w.svc.metrics; m != nil {
		if d.Timings.Extract > 0 {
			m.ObserveStage(observability.StageExtract, d.Timings.Extract)
		}
		if d.Timings.Score > 0 {
			m.ObserveStage(observability.StageScore, d.Timings.Score)
		}
		m.ObserveStage(observability.StageFuse, d.Timings.Fuse)
		if total > 0 {
			m.ObserveStage(observability.StageChunkEval, total)
		}
		m.Assessments.WithLabelValues(string(a.UrgencyLevel)).Inc()
	}
	_ = w.svc.sessions.UpdateMetrics(w.id, func(m *session.Metrics) {
		m.Evaluations++
		if a.Confidence > m.PeakConfidence {
			m.PeakConfidence = a.Confidence
		}
	})
	w.publish(Event{Type: EventAssessment, Seq: seq, State: d.State, TurnEnded: d.TurnEnded, Assessment: &a})
	if d.Alert && w.cfg.EnableEmergencyDetection {
		w.raise(ctx, d)
	}
}

// raise publishes and audits the alert, then notifies contacts off the
// worker. The event is recorded once delivery results are known.
func (w *worker) raise(ctx context.Context, d detect.Decision) {
	a := d.Assessment
	ev := session.EmergencyEvent{
		ID:              uuid.NewString(),
		SessionID:       w.id,
		Category:        a.Category,
		Confidence:      a.Confidence,
		UrgencyLevel:    a.UrgencyLevel,
		Recommendation:  a.Recommendation,
		DrivingModality: a.ContributingFeatures.DrivingModality,
		OccurredAt:      time.Now().UTC(),
	}
	var keywords []string
	if d.Text != nil {
		keywords = d.Text.MatchedKeywords
	}
	if m := w.svc.metrics; m != nil {
		m.Alerts.WithLabelValues(string(ev.Category)).Inc()
	}
	w.log.Warnw("emergency detected",
		"category", ev.Category,
		"confidence", ev.Confidence,
		"urgency", ev.UrgencyLevel,
		"recommendation", ev.Recommendation,
	)
	w.svc.record(ctx, audit.KindEmergencyDetected, w.id, map[string]any{
		"event_id":         ev.ID,
		"category":         string(ev.Category),
		"confidence":       ev.Confidence,
		"urgency":          string(ev.UrgencyLevel),
		"recommendation":   string(ev.Recommendation),
		"driving_modality": ev.DrivingModality,
		"keywords":         keywords,
	})
	published := ev
	w.publish(Event{Type: EventAlert, Emergency: &published})

	contacts := w.cfg.EmergencyContacts
	actionable := ev.Recommendation == fusion.RecommendAlert || ev.Recommendation == fusion.RecommendImmediateResponse
	if w.svc.notifier == nil || len(contacts) == 0 || !actionable {
		w.commitEvent(ev)
		return
	}

	w.alerts.Add(1)
	go func() {
		defer w.alerts.Done()
		deliveries := w.svc.notifier.Notify(w.svc.base, ev, contacts)
		for _, dl := range deliveries {
			outcome := "failed"
			if dl.OK {
				outcome = "delivered"
			}
			if m := w.svc.metrics; m != nil {
				m.Notifications.WithLabelValues(outcome).Inc()
			}
			w.svc.record(w.svc.base, audit.KindNotification, w.id, map[string]any{
				"event_id": ev.ID,
				"contact":  dl.Contact.Name,
				"channel":  dl.Channel,
				"outcome":  outcome,
				"error":    dl.Error,
			})
		}
		ev.NotificationsSent = notify.Sent(deliveries)
		w.commitEvent(ev)
		w.publish(Event{Type: EventNotification, Emergency: &ev, Deliveries: deliveries})
	}()
}

func (w *worker) commitEvent(ev session.EmergencyEvent) {
	if _, err := w.svc.sessions.RecordEmergencyEvent(w.id, ev); err != nil {
		w.log.Errorw("record emergency event failed", "event.id", ev.ID, "error", err)
	}
}
