package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Failover prefers the primary provider and switches to the fallback when a
// primary call fails. Once the fallback succeeds it stays active until it
// fails; then the primary is retried. Cancellation is passed through without
// switching.
type Failover struct {
	primary        Provider
	fallback       Provider
	fallbackActive atomic.Bool
}

func NewFailover(primary, fallback Provider) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (p *Failover) Name() string {
	if p.fallbackActive.Load() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

// FallbackActive reports whether calls currently go to the fallback.
func (p *Failover) FallbackActive() bool { return p.fallbackActive.Load() }

func (p *Failover) Transcribe(ctx context.Context, req Request) (Result, error) {
	if p.fallbackActive.Load() {
		res, fbErr := p.fallback.Transcribe(ctx, req)
		if fbErr == nil || isCancel(ctx, fbErr) {
			return res, fbErr
		}
		// Fallback failed after being active; try primary again.
		res, prErr := p.primary.Transcribe(ctx, req)
		if prErr == nil {
			p.fallbackActive.Store(false)
			return res, nil
		}
		return Result{}, fmt.Errorf("transcribe fallback failed: %v; primary failed: %w", fbErr, prErr)
	}

	res, prErr := p.primary.Transcribe(ctx, req)
	if prErr == nil || isCancel(ctx, prErr) {
		return res, prErr
	}
	res, fbErr := p.fallback.Transcribe(ctx, req)
	if fbErr != nil {
		return Result{}, fmt.Errorf("transcribe primary failed: %v; fallback failed: %w", prErr, fbErr)
	}
	p.fallbackActive.Store(true)
	return res, nil
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
