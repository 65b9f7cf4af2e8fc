// Package retention enforces session retention windows. Audio and transcripts
// are purged independently; a record is deleted only once both are gone.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/vigil/internal/audit"
	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/observability"
	"github.com/ent0n29/vigil/internal/session"
	"github.com/ent0n29/vigil/internal/store"
)

// Ender ends a session with a reason and stops any work attached to it.
type Ender interface {
	End(ctx context.Context, sessionID string, reason session.TerminationReason) (session.Summary, error)
}

// Report counts the actions of one pass.
type Report struct {
	Scanned          int `json:"scanned"`
	ForceEnded       int `json:"force_ended"`
	AudioPurged      int `json:"audio_purged"`
	TranscriptPurged int `json:"transcript_purged"`
	Deleted          int `json:"deleted"`
}

type Sweeper struct {
	store    store.Store
	ender    Ender
	audit    audit.Log
	metrics  *observability.Metrics
	interval time.Duration
	now      func() time.Time
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option { return func(s *Sweeper) { s.interval = d } }

func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func WithAudit(l audit.Log) Option { return func(s *Sweeper) { s.audit = l } }

func WithMetrics(m *observability.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

func NewSweeper(st store.Store, ender Ender, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    st,
		ender:    ender,
		interval: time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	return s
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Warnw("retention sweep incomplete", "error", err)
			}
		}
	}
}

// Sweep runs one pass. Every step is idempotent, so an interrupted pass is
// completed by the next one. Per-record failures are joined into the
// returned error and do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (rep Report, err error) {
	ctx, span := observability.StartSpan(ctx, "retention.sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("retention.scanned", rep.Scanned),
			attribute.Int("retention.deleted", rep.Deleted),
		)
		observability.EndSpan(span, err)
	}()

	records, err := s.store.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list session records: %w", err)
	}
	now := s.now().UTC()
	var errs []error
	for _, rec := range records {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rep.Scanned++
		if err := s.sweepOne(ctx, rec, now, &rep); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, err))
		}
	}
	if rep.ForceEnded+rep.AudioPurged+rep.TranscriptPurged+rep.Deleted > 0 {
		logging.Infow("retention sweep",
			"scanned", rep.Scanned,
			"force_ended", rep.ForceEnded,
			"audio_purged", rep.AudioPurged,
			"transcript_purged", rep.TranscriptPurged,
			"deleted", rep.Deleted,
		)
	}
	return rep, errors.Join(errs...)
}

func (s *Sweeper) sweepOne(ctx context.Context, rec store.Record, now time.Time, rep *Report) error {
	id := rec.SessionID

	// Records found fully purged are deleted; a record whose last purge happens
	// in this pass waits for the next one.
	if rec.AudioDataDeleted && rec.TranscriptDataDeleted && rec.Ended() {
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete: %w", err)
		}
		rep.Deleted++
		s.record(ctx, audit.KindRecordDeleted, id, nil)
		return nil
	}

	if !rec.Ended() && rec.MaxDurationMS > 0 {
		deadline := rec.StartedAt.Add(time.Duration(rec.MaxDurationMS) * time.Millisecond)
		if !now.Before(deadline) {
			sum, err := s.ender.End(ctx, id, session.ReasonMaxDurationExceeded)
			if err != nil {
				return fmt.Errorf("force end: %w", err)
			}
			rep.ForceEnded++
			logging.Warnw("session force-ended",
				"session.id", id,
				"reason", session.ReasonMaxDurationExceeded,
				"duration_ms", sum.DurationMS,
			)
			s.record(ctx, audit.KindForceEnded, id, map[string]any{
				"reason":      string(session.ReasonMaxDurationExceeded),
				"duration_ms": sum.DurationMS,
			})
		}
	}

	if !rec.AudioDataDeleted && now.After(rec.AudioRetentionAt) {
		if err := s.store.PurgeAudio(ctx, id); err != nil {
			return fmt.Errorf("purge audio: %w", err)
		}
		rep.AudioPurged++
		s.record(ctx, audit.KindAudioPurged, id, map[string]any{"retention_at": rec.AudioRetentionAt})
	}
	if !rec.TranscriptDataDeleted && now.After(rec.TranscriptRetentionAt) {
		if err := s.store.PurgeTranscript(ctx, id); err != nil {
			return fmt.Errorf("purge transcript: %w", err)
		}
		rep.TranscriptPurged++
		s.record(ctx, audit.KindTranscriptPurged, id, map[string]any{"retention_at": rec.TranscriptRetentionAt})
	}
	return nil
}

func (s *Sweeper) record(ctx context.Context, kind audit.Kind, sessionID string, data map[string]any) {
	if s.metrics != nil {
		s.metrics.RetentionPurges.WithLabelValues(string(kind)).Inc()
	}
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, kind, sessionID, data); err != nil {
		logging.Errorw("audit append failed", "session.id", sessionID, "kind", kind, "error", err)
	}
}
