package alert

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/actiongate/internal/audit"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets where delivery failures are reported.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRetry sets delivery attempts and the initial backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
		}
		if delay > 0 {
			d.delay = delay
		}
	}
}

// Dispatcher fans out security events to matching webhook configurations.
type Dispatcher struct {
	configs  []Config
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher ignores events.
func NewDispatcher(configs []Config, opts ...Option) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	d := &Dispatcher{
		configs:  configs,
		logger:   zap.NewNop(),
		attempts: maxRetries,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("mod", "alert"))
	return d
}

// Observe dispatches security-event audit entries. It is meant for
// audit.WithObserver; other entry types are ignored.
func (d *Dispatcher) Observe(e audit.Entry) {
	if d == nil || e.Type != audit.TypeSecurityEvent {
		return
	}
	d.Dispatch(Event{
		Timestamp:   e.Timestamp,
		Event:       e.Event,
		Severity:    e.Severity,
		Action:      e.Action,
		Description: e.Reason,
		Details:     e.Details,
		PolicyHash:  e.PolicyHash,
	})
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Delivery runs on background goroutines and never blocks the caller.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.attempts)*(requestTimeout+d.delay))
			defer cancel()
			if err := d.send(ctx, cfg, event); err != nil {
				d.logger.Warn("alert delivery failed",
					zap.String("event", event.Event),
					zap.String("url", cfg.URL),
					zap.Error(err))
			}
		}()
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

func matches(events []string, event Event) bool {
	return slices.Contains(events, "*") || slices.Contains(events, event.Event)
}
