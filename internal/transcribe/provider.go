// Package transcribe adapts external speech-to-text services. Failures are
// never fatal to a session: callers treat any error as an absent text signal.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProviderTimeout is returned when a provider does not answer within
	// the configured budget.
	ErrProviderTimeout = errors.New("transcription provider timeout")
	ErrUnavailable     = errors.New("transcription provider unavailable")
)

// Request is one slice of canonical mono PCM to transcribe.
type Request struct {
	SessionID    string
	Samples      []int16
	SampleRate   int
	LanguageHint string
}

type Result struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Error carries a provider error code for metrics.
type Error struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns a short label for err suitable for a metric dimension.
func Code(err error) string {
	var pe *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.As(err, &pe):
		return pe.Code
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

type timeoutProvider struct {
	Provider
	timeout time.Duration
}

// WithTimeout bounds every call to p. A call that runs past the budget
// returns ErrProviderTimeout even if p ignores its context.
func WithTimeout(p Provider, timeout time.Duration) Provider {
	if timeout <= 0 {
		return p
	}
	return &timeoutProvider{Provider: p, timeout: timeout}
}

func (p *timeoutProvider) Transcribe(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Provider.Transcribe(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %s after %s", ErrProviderTimeout, p.Name(), p.timeout)
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %s after %s", ErrProviderTimeout, p.Name(), p.timeout)
		}
		return Result{}, ctx.Err()
	}
}
