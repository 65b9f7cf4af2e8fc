package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageChunkEval, 20)
	w.Observe(StageChunkEval, 30)
	w.Observe(StageChunkEval, 40)
	w.ObserveIndicator("chunk_dropped_out_of_order")
	w.ObserveIndicator("chunk_dropped_out_of_order")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 40 || s.P50MS != 30 {
		t.Fatalf("stage = %+v, want 3 samples last=40 p50=30", s)
	}
	if s.P95MS <= 30 || s.P95MS > 40 {
		t.Fatalf("P95MS = %.2f, want (30,40]", s.P95MS)
	}
	if s.TargetP95MS != 60 {
		t.Fatalf("TargetP95MS = %.2f, want 60", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one with count 2", snap.Indicators)
	}
}

func TestStageWindowWrapsAtCapacity(t *testing.T) {
	w := newStageWindow(2)
	for _, v := range []float64{1, 2, 3} {
		w.Observe(StageScore, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 2.5 {
		t.Fatalf("stage = %+v, want 2 samples avg 2.5", s)
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("vigil_test")
	m.Chunks.WithLabelValues("accepted").Inc()
	m.ObserveStage(StageChunkEval, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"vigil_test_chunks_total", "vigil_test_evaluation_latency_ms"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
	if got := m.SnapshotStages().Stages[0].LastMS; got != 3 {
		t.Fatalf("LastMS = %.2f, want 3", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageFuse, time.Millisecond)
	m.ObserveIndicator("x")
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("Stages = %v, want empty", snap.Stages)
	}
}

func TestEndSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	EndSpan(span, errors.New("boom"))
	if id := TraceID(ctx); id != "" {
		t.Fatalf("TraceID() = %q, want empty with no-op provider", id)
	}
}
