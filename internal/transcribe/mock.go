package transcribe

import (
	"context"
	"sync"
	"time"
)

// MockProvider replays scripted transcripts in order, one per call, and
// returns empty text once the script runs out. It is the local fallback when
// no transcription service is configured.
type MockProvider struct {
	mu     sync.Mutex
	script []string
	delay  time.Duration
	calls  int
}

func NewMockProvider(script ...string) *MockProvider {
	return &MockProvider{script: script}
}

// WithDelay makes every call take d, honoring cancellation.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) Transcribe(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	delay := p.delay
	text := ""
	if p.calls < len(p.script) {
		text = p.script[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	conf := 0.0
	if text != "" {
		conf = 0.7
	}
	return Result{Text: text, Language: req.LanguageHint, Confidence: conf, Source: "mock"}, nil
}
