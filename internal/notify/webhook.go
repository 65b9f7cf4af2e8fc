package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/reliability"
	"github.com/ent0n29/vigil/internal/session"
)

var ErrWebhook = errors.New("webhook delivery failed")

// WebhookSender POSTs each notification as JSON. Retryable statuses are
// retried with backoff.
type WebhookSender struct {
	url    string
	client *http.Client
	policy reliability.Policy
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		policy: reliability.Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
}

// WithRetryPolicy overrides the delivery retry policy.
func (s *WebhookSender) WithRetryPolicy(p reliability.Policy) *WebhookSender {
	s.policy = p
	return s
}

func (s *WebhookSender) Name() string { return "webhook" }

type webhookPayload struct {
	Event   session.EmergencyEvent `json:"event"`
	Contact config.Contact         `json:"contact"`
}

func (s *WebhookSender) Send(ctx context.Context, ev session.EmergencyEvent, c config.Contact) error {
	body, err := json.Marshal(webhookPayload{Event: ev, Contact: c})
	if err != nil {
		return err
	}
	return reliability.Retry(ctx, s.policy, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return reliability.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", ev.ID+":"+c.Address)
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return reliability.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrWebhook, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("%w: HTTP %d", ErrWebhook, resp.StatusCode)
		if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return reliability.Permanent(err)
		}
		return err
	})
}
