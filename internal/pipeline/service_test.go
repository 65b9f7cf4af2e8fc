package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/audit"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/lexical"
	"github.com/ent0n29/vigil/internal/notify"
	"github.com/ent0n29/vigil/internal/observability"
	"github.com/ent0n29/vigil/internal/reliability"
	"github.com/ent0n29/vigil/internal/session"
	"github.com/ent0n29/vigil/internal/store"
	"github.com/ent0n29/vigil/internal/transcribe"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []session.EmergencyEvent
}

func (d *recordingDispatcher) Notify(_ context.Context, ev session.EmergencyEvent, contacts []config.Contact) []notify.Delivery {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	out := make([]notify.Delivery, len(contacts))
	for i, c := range contacts {
		out[i] = notify.Delivery{Contact: c, Channel: c.Channel, OK: c.Channel != "broken"}
		if !out[i].OK {
			out[i].Error = "unreachable"
		}
	}
	return out
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func newTestService(t *testing.T, st store.Store, cfg Config, deps Deps) *Service {
	t.Helper()
	deps.Store = st
	deps.Sessions = session.NewManager(st, config.DefaultSessionConfig(),
		session.WithRetryPolicy(reliability.Policy{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond}))
	svc, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func liveConfig() config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.Language = "yoruba"
	return cfg
}

func tone(ms int, amp float64) []byte {
	n := audio.CanonicalSampleRate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amp * 32767 * math.Sin(2*math.Pi*220*float64(i)/audio.CanonicalSampleRate))
	}
	return audio.EncodePCM16LE(samples)
}

func chunk(seq int64, ms int) audio.AudioChunk {
	return audio.AudioChunk{SequenceNumber: seq, SampleRate: audio.CanonicalSampleRate, Channels: 1, Bytes: tone(ms, 0.3)}
}

// drain collects events until the channel closes.
func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream not closed; got %d events", len(out))
		}
	}
}

func waitFor(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEmergencyTranscriptAlertsAndNotifies(t *testing.T) {
	st := store.NewInMemoryStore()
	dispatcher := &recordingDispatcher{}
	log := audit.NewMemoryLog(0)
	svc := newTestService(t, st, Config{}, Deps{Notifier: dispatcher, Audit: log})
	ctx := context.Background()

	cfg := liveConfig()
	cfg.EmergencyContacts = []config.Contact{
		{Name: "ada", Channel: "sms", Address: "+2348030000000"},
		{Name: "bola", Channel: "broken", Address: "x"},
	}
	sess, err := svc.StartSession(ctx, "u1", cfg)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	events, cancel, err := svc.Subscribe(sess.ID, 64)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	if err := svc.PushTranscript(ctx, sess.ID, "Fire! Ina n jo ni ile mi", true); err != nil {
		t.Fatalf("PushTranscript() error = %v", err)
	}
	alert := waitFor(t, events, EventAlert)
	if alert.Emergency.Category != lexical.CategoryFire || alert.Emergency.Recommendation != fusion.RecommendAlert {
		t.Fatalf("alert = %+v", alert.Emergency)
	}

	first, err := svc.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if first.EmergencyCount != 1 || first.TranscriptCount != 1 {
		t.Fatalf("summary = %+v", first)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatcher saw %d events, want 1", dispatcher.count())
	}

	var notified *Event
	for _, ev := range drain(t, events) {
		if ev.Type == EventNotification {
			ev := ev
			notified = &ev
		}
	}
	if notified == nil || notified.Emergency.NotificationsSent != 1 || len(notified.Deliveries) != 2 {
		t.Fatalf("notification event = %+v", notified)
	}

	second, err := svc.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second EndSession() error = %v", err)
	}
	if second.DurationMS != first.DurationMS || second.TranscriptCount != 1 || second.EmergencyCount != 1 {
		t.Fatalf("second summary = %+v, want %+v", second, first)
	}

	kinds := map[audit.Kind]int{}
	for _, e := range log.Entries() {
		kinds[e.Kind]++
	}
	if kinds[audit.KindSessionCreated] != 1 || kinds[audit.KindEmergencyDetected] != 1 ||
		kinds[audit.KindNotification] != 2 || kinds[audit.KindSessionEnded] != 1 {
		t.Fatalf("audit kinds = %v", kinds)
	}
	if err := audit.Verify(log.Entries()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

// slowDispatcher delays delivery so alerts are still pending at End.
type slowDispatcher struct {
	recordingDispatcher
	delay time.Duration
}

func (d *slowDispatcher) Notify(ctx context.Context, ev session.EmergencyEvent, contacts []config.Contact) []notify.Delivery {
	time.Sleep(d.delay)
	return d.recordingDispatcher.Notify(ctx, ev, contacts)
}

func TestConcurrentEndWaitsForPendingAlert(t *testing.T) {
	dispatcher := &slowDispatcher{delay: 150 * time.Millisecond}
	log := audit.NewMemoryLog(0)
	svc := newTestService(t, store.NewInMemoryStore(), Config{}, Deps{Notifier: dispatcher, Audit: log})
	ctx := context.Background()

	cfg := liveConfig()
	cfg.EmergencyContacts = []config.Contact{{Name: "ada", Channel: "sms", Address: "+2348030000000"}}
	sess, err := svc.StartSession(ctx, "u1", cfg)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	events, cancel, _ := svc.Subscribe(sess.ID, 64)
	defer cancel()

	if err := svc.PushTranscript(ctx, sess.ID, "Fire! Ina n jo ni ile mi", true); err != nil {
		t.Fatalf("PushTranscript() error = %v", err)
	}
	waitFor(t, events, EventAlert)

	type result struct {
		sum session.Summary
		err error
	}
	client := make(chan result, 1)
	go func() {
		sum, err := svc.EndSession(ctx, sess.ID)
		client <- result{sum, err}
	}()
	time.Sleep(20 * time.Millisecond)
	forced, err := svc.End(ctx, sess.ID, session.ReasonMaxDurationExceeded)
	if err != nil {
		t.Fatalf("End(max duration) error = %v", err)
	}
	first := <-client
	if first.err != nil {
		t.Fatalf("EndSession() error = %v", first.err)
	}

	for _, sum := range []session.Summary{first.sum, forced} {
		if sum.EmergencyCount != 1 {
			t.Fatalf("EmergencyCount = %d, want 1 (summary %+v)", sum.EmergencyCount, sum)
		}
	}
	if first.sum.TerminationReason != forced.TerminationReason || first.sum.DurationMS != forced.DurationMS {
		t.Fatalf("summaries differ: %+v vs %+v", first.sum, forced)
	}
	ended := 0
	for _, e := range log.Entries() {
		if e.Kind == audit.KindSessionEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("session_ended audited %d times, want 1", ended)
	}
}

func TestInputAfterEndIsRejected(t *testing.T) {
	svc := newTestService(t, store.NewInMemoryStore(), Config{}, Deps{})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())

	w, err := svc.worker(sess.ID)
	if err != nil {
		t.Fatalf("worker() error = %v", err)
	}
	if _, err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if err := w.offer(input{kind: inputTranscript, text: "late", final: true}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("offer after End error = %v, want ErrNotFound", err)
	}
	if err := w.offer(input{kind: inputAudio, chunk: chunk(1, 100)}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("offer(audio) after End error = %v, want ErrNotFound", err)
	}
	if err := svc.PushTranscript(ctx, sess.ID, "late", true); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("PushTranscript after End error = %v, want ErrNotFound", err)
	}
}

func TestDetectionDisabledRecordsNoEvents(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	svc := newTestService(t, store.NewInMemoryStore(), Config{}, Deps{Notifier: dispatcher})
	ctx := context.Background()
	cfg := liveConfig()
	cfg.EnableEmergencyDetection = false
	cfg.EmergencyContacts = []config.Contact{{Name: "ada", Channel: "sms", Address: "1"}}
	sess, _ := svc.StartSession(ctx, "u1", cfg)

	_ = svc.PushTranscript(ctx, sess.ID, "Fire! Ina n jo ni ile mi", true)
	sum, err := svc.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if sum.EmergencyCount != 0 || dispatcher.count() != 0 {
		t.Fatalf("EmergencyCount = %d, dispatches = %d; want 0", sum.EmergencyCount, dispatcher.count())
	}
}

func TestOutOfOrderChunkIsDropped(t *testing.T) {
	st := store.NewInMemoryStore()
	metrics := observability.NewMetrics("test_pipeline")
	svc := newTestService(t, st, Config{}, Deps{Metrics: metrics})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())
	events, cancel, _ := svc.Subscribe(sess.ID, 64)
	defer cancel()

	for _, seq := range []int64{2, 1, 2, 3} {
		if err := svc.PushAudioChunk(ctx, sess.ID, chunk(seq, 100)); err != nil {
			t.Fatalf("PushAudioChunk(%d) error = %v", seq, err)
		}
	}
	var dropped []string
	for len(dropped) < 2 {
		ev := waitFor(t, events, EventChunkDropped)
		dropped = append(dropped, ev.Reason)
	}
	if dropped[0] != "out_of_order" || dropped[1] != "duplicate" {
		t.Fatalf("dropped = %v", dropped)
	}

	sum, err := svc.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if sum.Metrics.ChunksAccepted != 2 || sum.Metrics.ChunksDropped != 2 {
		t.Fatalf("metrics = %+v", sum.Metrics)
	}
	indicators := map[string]int{}
	for _, ind := range metrics.SnapshotStages().Indicators {
		indicators[ind.Name] = ind.Count
	}
	if indicators["chunk_dropped_out_of_order"] != 1 || indicators["chunk_dropped_duplicate"] != 1 {
		t.Fatalf("indicators = %v", indicators)
	}
	if _, ok := indicators["chunk_dropped_accepted"]; ok {
		t.Fatalf("accepted chunks counted as drops: %v", indicators)
	}

	wav, err := svc.AudioWAV(ctx, sess.ID)
	if err != nil {
		t.Fatalf("AudioWAV() error = %v", err)
	}
	info, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if want := 2 * 2 * audio.CanonicalSampleRate / 10; len(info.PCM) != want {
		t.Fatalf("archived %d bytes, want %d", len(info.PCM), want)
	}
}

func TestPushRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t, store.NewInMemoryStore(), Config{}, Deps{})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())

	bad := chunk(1, 100)
	bad.SampleRate = 1000
	if err := svc.PushAudioChunk(ctx, sess.ID, bad); !errors.Is(err, audio.ErrInput) {
		t.Fatalf("PushAudioChunk(bad rate) error = %v, want ErrInput", err)
	}
	other := chunk(1, 100)
	other.SessionID = "someone-else"
	if err := svc.PushAudioChunk(ctx, sess.ID, other); !errors.Is(err, audio.ErrInput) {
		t.Fatalf("PushAudioChunk(other session) error = %v, want ErrInput", err)
	}
	if err := svc.PushAudioChunk(ctx, "missing", chunk(1, 100)); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("PushAudioChunk(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.EndSession(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("EndSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPausedSessionDropsAudio(t *testing.T) {
	svc := newTestService(t, store.NewInMemoryStore(), Config{}, Deps{})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())

	if err := svc.UpdateStatus(ctx, sess.ID, session.StatusPaused); err != nil {
		t.Fatalf("UpdateStatus(paused) error = %v", err)
	}
	if err := svc.PushAudioChunk(ctx, sess.ID, chunk(1, 100)); !errors.Is(err, ErrPaused) {
		t.Fatalf("PushAudioChunk(paused) error = %v, want ErrPaused", err)
	}
	if err := svc.UpdateStatus(ctx, sess.ID, session.StatusActive); err != nil {
		t.Fatalf("UpdateStatus(active) error = %v", err)
	}
	if err := svc.PushAudioChunk(ctx, sess.ID, chunk(2, 100)); err != nil {
		t.Fatalf("PushAudioChunk(resumed) error = %v", err)
	}
}

// gatedStore blocks AppendAudio until the gate is closed.
type gatedStore struct {
	*store.InMemoryStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *gatedStore) AppendAudio(ctx context.Context, id string, seq int64, pcm []byte) error {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.InMemoryStore.AppendAudio(ctx, id, seq, pcm)
}

func TestFullInboxAppliesBackpressure(t *testing.T) {
	st := &gatedStore{InMemoryStore: store.NewInMemoryStore(), entered: make(chan struct{}), gate: make(chan struct{})}
	svc := newTestService(t, st, Config{QueueSize: 1}, Deps{})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())

	if err := svc.PushAudioChunk(ctx, sess.ID, chunk(1, 100)); err != nil {
		t.Fatalf("PushAudioChunk(1) error = %v", err)
	}
	<-st.entered
	if err := svc.PushAudioChunk(ctx, sess.ID, chunk(2, 100)); err != nil {
		t.Fatalf("PushAudioChunk(2) error = %v", err)
	}
	if err := svc.PushAudioChunk(ctx, sess.ID, chunk(3, 100)); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("PushAudioChunk(3) error = %v, want ErrBackpressure", err)
	}
	close(st.gate)

	sum, err := svc.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if sum.Metrics.BackpressureDrops != 1 || sum.Metrics.ChunksAccepted != 2 {
		t.Fatalf("metrics = %+v", sum.Metrics)
	}
}

func TestProviderTimeoutDegradesToAudio(t *testing.T) {
	provider := transcribe.NewMockProvider("help").WithDelay(300 * time.Millisecond)
	metrics := observability.NewMetrics("test_pipeline")
	svc := newTestService(t, store.NewInMemoryStore(),
		Config{TranscribeTimeout: 20 * time.Millisecond, TranscribeSegment: 250 * time.Millisecond},
		Deps{Provider: provider, Metrics: metrics})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())
	events, cancel, _ := svc.Subscribe(sess.ID, 64)
	defer cancel()

	if err := svc.PushAudioChunk(ctx, sess.ID, chunk(1, 300)); err != nil {
		t.Fatalf("PushAudioChunk() error = %v", err)
	}
	ev := waitFor(t, events, EventAssessment)
	if !ev.Assessment.Degraded || ev.Assessment.IsEmergency {
		t.Fatalf("audio-only assessment = %+v", ev.Assessment)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := svc.Get(sess.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if s.Metrics.ProviderTimeouts == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ProviderTimeouts = %d, want 1", s.Metrics.ProviderTimeouts)
		}
		time.Sleep(5 * time.Millisecond)
	}
	var timeouts int
	for _, ind := range metrics.SnapshotStages().Indicators {
		if ind.Name == "provider_timeout" {
			timeouts = ind.Count
		}
	}
	if timeouts != 1 {
		t.Fatalf("provider_timeout indicator = %d, want 1", timeouts)
	}
	if _, err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
}

func TestSegmentScalesWithAudioQuality(t *testing.T) {
	cases := []struct {
		base    time.Duration
		quality string
		want    time.Duration
	}{
		{2 * time.Second, config.AudioQualityMedium, 2 * time.Second},
		{2 * time.Second, config.AudioQualityHigh, time.Second},
		{2 * time.Second, config.AudioQualityLow, 4 * time.Second},
		{300 * time.Millisecond, config.AudioQualityHigh, 250 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := segmentFor(tc.base, tc.quality); got != tc.want {
			t.Fatalf("segmentFor(%v, %s) = %v, want %v", tc.base, tc.quality, got, tc.want)
		}
	}
}

func TestLowQualitySessionWaitsForLongerSegment(t *testing.T) {
	provider := transcribe.NewMockProvider("ina n jo")
	svc := newTestService(t, store.NewInMemoryStore(),
		Config{TranscribeSegment: 250 * time.Millisecond}, Deps{Provider: provider})
	ctx := context.Background()
	cfg := liveConfig()
	cfg.AudioQuality = config.AudioQualityLow
	sess, _ := svc.StartSession(ctx, "u1", cfg)

	_ = svc.PushAudioChunk(ctx, sess.ID, chunk(1, 300))
	if _, err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if n := provider.Calls(); n != 0 {
		t.Fatalf("provider calls = %d, want 0 for 300ms of low-quality audio", n)
	}
}

func TestProviderTextReachesTranscript(t *testing.T) {
	provider := transcribe.NewMockProvider("ina n jo")
	svc := newTestService(t, store.NewInMemoryStore(),
		Config{TranscribeSegment: 250 * time.Millisecond}, Deps{Provider: provider})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())
	events, cancel, _ := svc.Subscribe(sess.ID, 64)
	defer cancel()

	_ = svc.PushAudioChunk(ctx, sess.ID, chunk(1, 300))
	ev := waitFor(t, events, EventTranscript)
	if ev.Transcript.Text != "ina n jo" || ev.Transcript.Source != "mock" {
		t.Fatalf("transcript event = %+v", ev.Transcript)
	}
	if _, err := svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	tr, err := svc.Transcript(ctx, sess.ID)
	if err != nil || len(tr) != 1 {
		t.Fatalf("Transcript() = %+v, %v", tr, err)
	}
}

func TestAssessOneShot(t *testing.T) {
	svc := newTestService(t, store.NewInMemoryStore(), Config{}, Deps{})
	ctx := context.Background()

	a, err := svc.Assess(ctx, AssessRequest{Text: "Fire! Ina n jo ni ile mi", Language: "yoruba"})
	if err != nil {
		t.Fatalf("Assess() error = %v", err)
	}
	if !a.IsEmergency || a.Category != lexical.CategoryFire {
		t.Fatalf("Assess() = %+v", a)
	}

	a, err = svc.Assess(ctx, AssessRequest{Text: "I want to create a tenancy agreement", Language: "english", PCM: tone(500, 0.2)})
	if err != nil {
		t.Fatalf("Assess(benign) error = %v", err)
	}
	if a.IsEmergency || a.Degraded {
		t.Fatalf("Assess(benign) = %+v", a)
	}

	if _, err := svc.Assess(ctx, AssessRequest{}); !errors.Is(err, audio.ErrInput) {
		t.Fatalf("Assess(empty) error = %v, want ErrInput", err)
	}
}

func TestCloseEndsLiveSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := newTestService(t, st, Config{}, Deps{})
	ctx := context.Background()
	sess, _ := svc.StartSession(ctx, "u1", liveConfig())

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec, err := st.Get(ctx, sess.ID)
	if err != nil || !rec.Ended() {
		t.Fatalf("record after Close = %+v, %v", rec, err)
	}
	if _, err := svc.StartSession(ctx, "u1", liveConfig()); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartSession after Close error = %v, want ErrClosed", err)
	}
	if svc.Ready() {
		t.Fatalf("Ready() = true after Close")
	}
}
