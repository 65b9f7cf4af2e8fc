package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/vigil/internal/audio"
)

func samples(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i % 200)
	}
	return out
}

func TestHTTPProviderUploadsWAV(t *testing.T) {
	var gotLanguage string
	var gotRate int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		info, err := audio.DecodeWAV(data)
		if err != nil {
			t.Errorf("DecodeWAV() error = %v", err)
		}
		gotRate = info.SampleRate
		gotLanguage = r.FormValue("language")
		_, _ = w.Write([]byte(`{"text":"  ina n jo  "}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider("whisper", srv.URL+"/", time.Second)
	res, err := p.Transcribe(context.Background(), Request{Samples: samples(1600), SampleRate: 16000, LanguageHint: "yoruba"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "ina n jo" || res.Source != "whisper" || res.Language != "yoruba" {
		t.Fatalf("Transcribe() = %+v", res)
	}
	if gotLanguage != "yo" || gotRate != 16000 {
		t.Fatalf("server saw language %q rate %d, want yo/16000", gotLanguage, gotRate)
	}
}

func TestHTTPProviderClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider("whisper", srv.URL, time.Second).Transcribe(context.Background(), Request{Samples: samples(10), SampleRate: 16000})
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Transcribe() error = %v, want *Error", err)
	}
	if pe.Code != "http_503" || !pe.Retryable {
		t.Fatalf("error = %+v, want retryable http_503", pe)
	}
	if Code(err) != "http_503" {
		t.Fatalf("Code() = %q, want http_503", Code(err))
	}
}

func TestWithTimeoutReturnsProviderTimeout(t *testing.T) {
	p := WithTimeout(NewMockProvider("late").WithDelay(200*time.Millisecond), 20*time.Millisecond)
	start := time.Now()
	_, err := p.Transcribe(context.Background(), Request{})
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("Transcribe() error = %v, want ErrProviderTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("Transcribe() took %v, want it bounded by the timeout", elapsed)
	}
	if Code(err) != "timeout" {
		t.Fatalf("Code() = %q, want timeout", Code(err))
	}
}

func TestMockProviderReplaysScript(t *testing.T) {
	p := NewMockProvider("fire", "help")
	for _, want := range []string{"fire", "help", ""} {
		res, err := p.Transcribe(context.Background(), Request{LanguageHint: "english"})
		if err != nil || res.Text != want {
			t.Fatalf("Transcribe() = %q, %v; want %q", res.Text, err, want)
		}
	}
}

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Transcribe(context.Context, Request) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Text: s.name, Source: s.name}, nil
}

func TestFailoverSwitchesAndSticks(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	fallback := &stubProvider{name: "fallback"}
	f := NewFailover(primary, fallback)

	for i := 0; i < 2; i++ {
		res, err := f.Transcribe(context.Background(), Request{})
		if err != nil || res.Text != "fallback" {
			t.Fatalf("call %d = %+v, %v; want fallback", i, res, err)
		}
	}
	if primary.calls != 1 || fallback.calls != 2 {
		t.Fatalf("calls primary=%d fallback=%d, want 1 and 2", primary.calls, fallback.calls)
	}
	if !f.FallbackActive() || f.Name() != "fallback" {
		t.Fatalf("FallbackActive = %v name %q", f.FallbackActive(), f.Name())
	}

	// Fallback breaks and primary recovers.
	fallback.err = errors.New("quota")
	primary.err = nil
	res, err := f.Transcribe(context.Background(), Request{})
	if err != nil || res.Text != "primary" || f.FallbackActive() {
		t.Fatalf("recovery = %+v, %v active=%v", res, err, f.FallbackActive())
	}
}

func TestFailoverDoesNotSwitchOnCancel(t *testing.T) {
	primary := &stubProvider{name: "primary", err: context.Canceled}
	fallback := &stubProvider{name: "fallback"}
	f := NewFailover(primary, fallback)
	if _, err := f.Transcribe(context.Background(), Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Transcribe() error = %v, want context.Canceled", err)
	}
	if fallback.calls != 0 || f.FallbackActive() {
		t.Fatalf("fallback used on cancellation")
	}
}
