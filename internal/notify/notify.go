// Package notify delivers emergency events to a session's contacts.
// Delivery failures are recorded per contact and never block detection.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/logging"
	"github.com/ent0n29/vigil/internal/session"
)

// Delivery is the outcome for one contact.
type Delivery struct {
	Contact config.Contact `json:"contact"`
	Channel string         `json:"channel"`
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// Sent counts successful deliveries.
func Sent(ds []Delivery) int {
	n := 0
	for _, d := range ds {
		if d.OK {
			n++
		}
	}
	return n
}

type Dispatcher interface {
	Notify(ctx context.Context, ev session.EmergencyEvent, contacts []config.Contact) []Delivery
}

// Sender delivers over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, ev session.EmergencyEvent, c config.Contact) error
}

// Fanout sends to every contact concurrently. Contacts are routed by their
// channel; unknown channels go to the default sender.
type Fanout struct {
	mu       sync.RWMutex
	routes   map[string]Sender
	fallback Sender
	limit    int
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Fanout)

// WithConcurrency caps in-flight deliveries per event.
func WithConcurrency(n int) Option { return func(f *Fanout) { f.limit = n } }

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) Option { return func(f *Fanout) { f.timeout = d } }

func WithClock(now func() time.Time) Option { return func(f *Fanout) { f.now = now } }

func NewFanout(fallback Sender, opts ...Option) *Fanout {
	if fallback == nil {
		fallback = LogSender{}
	}
	f := &Fanout{
		routes:   map[string]Sender{},
		fallback: fallback,
		limit:    8,
		timeout:  10 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Route sends contacts on channel through s.
func (f *Fanout) Route(channel string, s Sender) *Fanout {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[strings.ToLower(strings.TrimSpace(channel))] = s
	return f
}

func (f *Fanout) senderFor(channel string) Sender {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.routes[strings.ToLower(strings.TrimSpace(channel))]; ok {
		return s
	}
	return f.fallback
}

// Notify returns one Delivery per contact, in contact order.
func (f *Fanout) Notify(ctx context.Context, ev session.EmergencyEvent, contacts []config.Contact) []Delivery {
	out := make([]Delivery, len(contacts))
	if len(contacts) == 0 {
		return out
	}
	g, gctx := errgroup.WithContext(ctx)
	if f.limit > 0 {
		g.SetLimit(f.limit)
	}
	for i, c := range contacts {
		g.Go(func() error {
			s := f.senderFor(c.Channel)
			sendCtx := gctx
			if f.timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(gctx, f.timeout)
				defer cancel()
			}
			d := Delivery{Contact: c, Channel: s.Name()}
			if err := s.Send(sendCtx, ev, c); err != nil {
				d.Error = err.Error()
				logging.Warnw("emergency notification failed",
					"session.id", ev.SessionID,
					"event.id", ev.ID,
					"channel", d.Channel,
					"error", err,
				)
			} else {
				d.OK = true
			}
			d.At = f.now().UTC()
			out[i] = d
			// Per-contact failures must not cancel the other deliveries.
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// LogSender records the notification in the service log only.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(ctx context.Context, ev session.EmergencyEvent, c config.Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.Infow("emergency notification",
		"session.id", ev.SessionID,
		"event.id", ev.ID,
		"category", ev.Category,
		"confidence", ev.Confidence,
		"urgency", ev.UrgencyLevel,
		"contact", c.Name,
		"channel", c.Channel,
	)
	return nil
}
