package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandrom/alice-events/pkg/events"
)

// Wildcard subscribes a handler to every event kind.
const Wildcard = "*"

// Subscriber handles envelopes delivered by the bus. Subscriber
// identity is pointer equality: subscribing the same value twice
// results in double delivery, and Unsubscribe removes every
// registration of the value.
type Subscriber interface {
	Handle(ctx context.Context, env *events.Envelope) error
}

// Middleware is a side-effecting hook run synchronously before fan-out
// on every publish. A panicking middleware is recovered and logged and
// never blocks dispatch.
type Middleware func(ctx context.Context, env *events.Envelope)

// Dispatcher is the in-memory bus: a registry of subscribers keyed by
// event kind plus a wildcard, with concurrent fan-out and
// per-subscriber failure isolation.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	middleware  []Middleware

	logger  *zap.Logger
	metrics MetricsRecorder
	wg      sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics wires a metrics recorder into the dispatch path.
func WithMetrics(recorder MetricsRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = recorder
	}
}

// NewDispatcher creates a new in-memory dispatcher.
func NewDispatcher(logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		subscribers: make(map[string][]Subscriber),
		logger:      logger.Named("bus"),
		metrics:     NoopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a subscriber for one or more kinds, or the
// wildcard for all kinds.
func (d *Dispatcher) Subscribe(sub Subscriber, kinds ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, kind := range kinds {
		d.subscribers[kind] = append(d.subscribers[kind], sub)
		d.logger.Debug("subscriber registered",
			zap.String("kind", kind),
			zap.String("subscriber", fmt.Sprintf("%T", sub)))
	}
}

// Unsubscribe removes every registration of the subscriber across all
// kinds. An in-flight publish that already snapshotted its subscriber
// list may still deliver one final event.
func (d *Dispatcher) Unsubscribe(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for kind, subs := range d.subscribers {
		kept := subs[:0]
		for _, s := range subs {
			if s != sub {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(d.subscribers, kind)
		} else {
			d.subscribers[kind] = kept
		}
	}
}

// Use appends a middleware to the chain. Middleware run in registration
// order on every publish, before delivery.
func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.middleware = append(d.middleware, mw)
}

// SubscriberCount returns the number of registrations for a kind.
func (d *Dispatcher) SubscriberCount(kind string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.subscribers[kind])
}

// Publish assigns missing metadata, runs the middleware chain, and
// fans the envelope out concurrently to every subscriber registered for
// its kind plus wildcard subscribers, joining before return. A failing
// subscriber is logged and never prevents the others from receiving
// the event; the returned error is always nil and exists to satisfy
// bus-shaped interfaces.
func (d *Dispatcher) Publish(ctx context.Context, env *events.Envelope) error {
	env = env.WithDefaults()

	d.mu.RLock()
	middleware := append([]Middleware(nil), d.middleware...)
	matched := append([]Subscriber(nil), d.subscribers[env.Kind]...)
	matched = append(matched, d.subscribers[Wildcard]...)
	d.mu.RUnlock()

	d.metrics.RecordPublish(ctx, env.Kind)

	for _, mw := range middleware {
		d.runMiddleware(ctx, mw, env)
	}

	if len(matched) == 0 {
		return nil
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			d.deliver(ctx, sub, env)
		}(sub)
	}
	wg.Wait()
	d.metrics.RecordDispatch(ctx, env.Kind, time.Since(start), len(matched))

	return nil
}

// PublishAsync publishes without waiting for fan-out to finish. Close
// waits for all async publishes.
func (d *Dispatcher) PublishAsync(ctx context.Context, env *events.Envelope) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Publish(ctx, env)
	}()
}

// Close waits for in-flight async publishes to drain.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	d.logger.Debug("dispatcher closed")
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, env *events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordSubscriberError(ctx, env.Kind)
			d.logger.Error("subscriber panicked",
				zap.String("kind", env.Kind),
				zap.String("event_id", env.ID),
				zap.String("subscriber", fmt.Sprintf("%T", sub)),
				zap.Any("panic", r))
		}
	}()

	if err := sub.Handle(ctx, env); err != nil {
		d.metrics.RecordSubscriberError(ctx, env.Kind)
		d.logger.Error("subscriber failed",
			zap.String("kind", env.Kind),
			zap.String("event_id", env.ID),
			zap.String("subscriber", fmt.Sprintf("%T", sub)),
			zap.Error(err))
	}
}

func (d *Dispatcher) runMiddleware(ctx context.Context, mw Middleware, env *events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("middleware panicked",
				zap.String("kind", env.Kind),
				zap.String("event_id", env.ID),
				zap.Any("panic", r))
		}
	}()
	mw(ctx, env)
}
