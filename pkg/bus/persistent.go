package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sandrom/alice-events/pkg/errors"
	"github.com/sandrom/alice-events/pkg/eventlog"
	"github.com/sandrom/alice-events/pkg/events"
)

// ackTimeout bounds the acknowledgment of one delivered entry. Acks run
// on their own context so stopping a consumer never cuts an in-flight
// ack decision short.
const ackTimeout = 5 * time.Second

// EventLog is the slice of the durable log the persistent bus needs.
// *eventlog.RedisLog satisfies it.
type EventLog interface {
	Append(ctx context.Context, env *events.Envelope) (string, error)
	Range(ctx context.Context, kind, start, end string, count int64) ([]eventlog.Entry, error)
	Consume(ctx context.Context, kinds []string, consumer, group string) <-chan eventlog.Delivery
}

// PersistentBus composes the in-memory dispatcher with the durable log:
// publish is persist-then-dispatch, with persistence failures logged
// rather than surfaced so a durability outage never blocks in-memory
// delivery.
type PersistentBus struct {
	dispatcher *Dispatcher
	log        EventLog
	logger     *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewPersistentBus creates a bus over an explicit dispatcher and log
// pair. Both are injected; there is no package-level default instance.
func NewPersistentBus(dispatcher *Dispatcher, log EventLog, logger *zap.Logger) *PersistentBus {
	return &PersistentBus{
		dispatcher: dispatcher,
		log:        log,
		logger:     logger.Named("persistent_bus"),
	}
}

// Dispatcher returns the underlying in-memory dispatcher for
// subscription management.
func (b *PersistentBus) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// Publish persists the envelope and dispatches it to live subscribers.
// A persistence outage is logged and delivery proceeds anyway; a
// serialization failure is returned without dispatching, since a
// malformed envelope must never be silently dropped from the durable
// path.
func (b *PersistentBus) Publish(ctx context.Context, env *events.Envelope) error {
	env = env.WithDefaults()

	if _, err := b.log.Append(ctx, env); err != nil {
		if apperrors.IsSerialization(err) {
			return err
		}
		b.logger.Error("failed to persist event, delivering in-memory only",
			zap.String("kind", env.Kind),
			zap.String("event_id", env.ID),
			zap.Error(err))
	}

	return b.dispatcher.Publish(ctx, env)
}

// Replay reads already-persisted entries in the given cursor range and
// re-delivers them to in-memory subscribers, bypassing persistence.
// Returns the number of entries replayed; read failures are returned to
// the caller since there is no fallback data source.
func (b *PersistentBus) Replay(ctx context.Context, kind, start, end string, count int64) (int, error) {
	entries, err := b.log.Range(ctx, kind, start, end, count)
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		_ = b.dispatcher.Publish(ctx, entry.Envelope)
	}

	b.logger.Info("replayed events",
		zap.String("kind", kind),
		zap.Int("count", len(entries)))
	return len(entries), nil
}

// StartConsumer spawns a background loop that feeds the subscriber from
// the durable log under the given consumer group. An entry is
// acknowledged only after the subscriber handles it successfully; a
// failed delivery leaves the entry pending for reclaim.
func (b *PersistentBus) StartConsumer(kinds []string, consumer, group string, sub Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		b.logger.Info("consumer started",
			zap.Strings("kinds", kinds),
			zap.String("consumer", consumer),
			zap.String("group", group))

		for delivery := range b.log.Consume(ctx, kinds, consumer, group) {
			if err := sub.Handle(ctx, delivery.Entry.Envelope); err != nil {
				b.logger.Error("consumer delivery failed, leaving entry pending",
					zap.String("kind", delivery.Kind),
					zap.String("entry_id", delivery.Entry.ID),
					zap.String("consumer", consumer),
					zap.Error(err))
				continue
			}

			ackCtx, ackCancel := context.WithTimeout(context.Background(), ackTimeout)
			if err := delivery.Ack(ackCtx); err != nil {
				b.logger.Error("failed to ack entry",
					zap.String("kind", delivery.Kind),
					zap.String("entry_id", delivery.Entry.ID),
					zap.Error(err))
			}
			ackCancel()
		}

		b.logger.Info("consumer stopped",
			zap.String("consumer", consumer),
			zap.String("group", group))
	}()
}

// StopConsumer cancels every running consumer loop and waits for each
// to finish its in-flight ack decision and exit.
func (b *PersistentBus) StopConsumer() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
}
