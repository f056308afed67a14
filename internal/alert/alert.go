// Package alert notifies operators when the runtime degrades silently, for
// example when sample market data replaces an unavailable data source.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Delivery defaults.
const (
	// DefaultThrottleWindow is the minimum gap between two alerts with the same key.
	DefaultThrottleWindow = 15 * time.Minute
	// DefaultSendTimeout bounds the delivery of one alert to all recipients.
	DefaultSendTimeout = 30 * time.Second
)

// Sender delivers a text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to string, body string) error
}

// Notifier raises an operator alert. key groups alerts for throttling.
// Notify must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, key string, body string)
}

// NoOp drops every alert.
type NoOp struct{}

func (NoOp) Notify(context.Context, string, string) {}

// Throttled sends at most one alert per key per window to each recipient.
// Delivery runs in the background and is best effort: failures are logged
// and the key stays throttled.
type Throttled struct {
	sender      Sender
	recipients  []string
	window      time.Duration
	sendTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	last   map[string]time.Time
	closed bool
	wg     sync.WaitGroup
}

// NewThrottled wraps sender. A non-positive window uses DefaultThrottleWindow.
func NewThrottled(sender Sender, recipients []string, window time.Duration) *Throttled {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttled{
		sender:      sender,
		recipients:  recipients,
		window:      window,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		last:        make(map[string]time.Time),
	}
}

// SetSendTimeout changes how long one delivery may take. Non-positive values are ignored.
func (t *Throttled) SetSendTimeout(d time.Duration) {
	if d > 0 {
		t.sendTimeout = d
	}
}

// Notify queues the alert and returns without waiting for delivery.
// Delivery keeps ctx's values but not its cancellation.
func (t *Throttled) Notify(ctx context.Context, key string, body string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		slog.Warn("Throttled.Notify: dropped after close", "key", key)
		return
	}
	now := t.now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.window {
		t.mu.Unlock()
		slog.Debug("Throttled.Notify: suppressed", "key", key, "since", now.Sub(prev))
		return
	}
	t.last[key] = now
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.sendTimeout)
		defer cancel()
		t.deliver(sctx, key, body)
	}()
}

// deliver sends body to every recipient concurrently.
func (t *Throttled) deliver(ctx context.Context, key, body string) {
	var g errgroup.Group
	for _, to := range t.recipients {
		g.Go(func() error {
			if err := t.sender.Send(ctx, to, body); err != nil {
				slog.Warn("Throttled.deliver: delivery failed", "key", key, "to", to, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting alerts and waits for queued deliveries, each of
// which is bounded by the send timeout.
func (t *Throttled) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}
