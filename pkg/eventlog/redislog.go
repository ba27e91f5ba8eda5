package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sandrom/alice-events/pkg/config"
	apperrors "github.com/sandrom/alice-events/pkg/errors"
	"github.com/sandrom/alice-events/pkg/events"
)

// Stream cursor sentinels accepted by Range.
const (
	StreamStart = "-"
	StreamEnd   = "+"
)

// GlobalStream is the kind-independent audit stream every append is
// mirrored to.
const GlobalStream = "all"

// Stored record field names.
const (
	fieldEvent = "event"
	fieldType  = "type"
)

// defaultReclaimer is the consumer identity stale pending entries are
// claimed to when no name is given.
const defaultReclaimer = "reclaimer"

// pendingBatch caps one pending-range listing.
const pendingBatch = 100

// Entry is one persisted record read back from a stream.
type Entry struct {
	ID       string
	Envelope *events.Envelope
}

// PendingEntry is a delivered-but-unacknowledged entry that has been
// reclaimed from a consumer group. DeliveryCount includes the delivery
// performed by the reclaim itself.
type PendingEntry struct {
	Entry

	Idle          time.Duration
	DeliveryCount int64
}

// Delivery pairs a consumed entry with its acknowledgment. Ack must be
// called exactly once, after the entry has been fully handled; an
// unacked entry stays pending and becomes eligible for reclaim.
type Delivery struct {
	Kind  string
	Entry Entry
	Ack   func(ctx context.Context) error
}

// GroupInfo describes one consumer group attached to a stream.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	LastDeliveredID string
}

// StreamInfo describes one per-kind stream for operational monitoring.
type StreamInfo struct {
	Kind         string
	Length       int64
	FirstEntryID string
	LastEntryID  string
	Groups       []GroupInfo
}

// Options configures a RedisLog.
type Options struct {
	// Prefix is prepended to every stream key.
	Prefix string
	// MaxStreamLen caps each stream at append time (approximate trim).
	MaxStreamLen int64
	// BlockTimeout bounds one blocking read inside Consume.
	BlockTimeout time.Duration
	// ConsumeBatch caps entries returned by one blocking read.
	ConsumeBatch int64
	// ErrorBackoff is the pause after a failed Consume iteration.
	ErrorBackoff time.Duration
}

// OptionsFromConfig builds adapter options from the bus configuration.
func OptionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		Prefix:       cfg.StreamPrefix,
		MaxStreamLen: cfg.MaxStreamLen,
		BlockTimeout: cfg.BlockTimeout.Std(),
		ConsumeBatch: cfg.ConsumeBatch,
		ErrorBackoff: cfg.ErrorBackoff.Std(),
	}
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "alice:events:"
	}
	if o.MaxStreamLen <= 0 {
		o.MaxStreamLen = 10000
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.ConsumeBatch <= 0 {
		o.ConsumeBatch = 10
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	return o
}

// RedisLog is the durable log adapter over Redis Streams. Every event
// kind gets its own append-only stream plus a mirrored record in the
// global audit stream; consumer groups provide at-least-once fan-out
// with acknowledgment and reclaim.
type RedisLog struct {
	client   *redis.Client
	registry *events.Registry
	logger   *zap.Logger
	opts     Options
}

// NewRedisLog creates a log adapter over an existing Redis client.
func NewRedisLog(client *redis.Client, registry *events.Registry, logger *zap.Logger, opts Options) *RedisLog {
	return &RedisLog{
		client:   client,
		registry: registry,
		logger:   logger.Named("eventlog"),
		opts:     opts.withDefaults(),
	}
}

func (l *RedisLog) streamKey(kind string) string {
	return l.opts.Prefix + kind
}

// Append serializes the envelope and appends it to the per-kind stream
// and to the global audit stream, both capped at MaxStreamLen with
// approximate trimming. The two appends are not transactional: the
// per-kind stream is authoritative and a global-stream failure is only
// logged. Returns the per-kind stream's assigned entry id.
func (l *RedisLog) Append(ctx context.Context, env *events.Envelope) (string, error) {
	fields, err := l.registry.Serialize(env)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrorTypeSerialization, "failed to encode envelope", err)
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.streamKey(env.Kind),
		MaxLen: l.opts.MaxStreamLen,
		Approx: true,
		Values: map[string]interface{}{fieldEvent: string(data)},
	}).Result()
	if err != nil {
		return "", apperrors.PersistenceUnavailable(fmt.Sprintf("failed to append %s event", env.Kind), err)
	}

	if err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.streamKey(GlobalStream),
		MaxLen: l.opts.MaxStreamLen,
		Approx: true,
		Values: map[string]interface{}{fieldEvent: string(data), fieldType: env.Kind},
	}).Err(); err != nil {
		l.logger.Warn("failed to mirror event to global stream",
			zap.String("kind", env.Kind),
			zap.String("event_id", env.ID),
			zap.Error(err))
	}

	return id, nil
}

// Range reads entries between two cursor bounds, inclusive, in
// ascending id order. Empty bounds default to the stream start and end
// sentinels; count > 0 caps the result.
func (l *RedisLog) Range(ctx context.Context, kind, start, end string, count int64) ([]Entry, error) {
	if start == "" {
		start = StreamStart
	}
	if end == "" {
		end = StreamEnd
	}

	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = l.client.XRangeN(ctx, l.streamKey(kind), start, end, count).Result()
	} else {
		msgs, err = l.client.XRange(ctx, l.streamKey(kind), start, end).Result()
	}
	if err != nil {
		return nil, apperrors.PersistenceUnavailable(fmt.Sprintf("failed to read %s stream", kind), err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := l.entryFromMessage(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Consume delivers new entries for the listed kinds to a named consumer
// within a group. The group is created at the stream origin on first
// use; "already exists" is not an error. The returned channel closes
// only when ctx is cancelled: transient read errors are logged and
// retried after a short backoff, and an empty blocking read is the
// normal idle state.
func (l *RedisLog) Consume(ctx context.Context, kinds []string, consumer, group string) <-chan Delivery {
	out := make(chan Delivery)

	go func() {
		defer close(out)

		if err := l.ensureGroups(ctx, kinds, group); err != nil {
			l.logger.Error("failed to create consumer groups",
				zap.String("group", group),
				zap.Error(err))
		}

		streams := make([]string, 0, len(kinds)*2)
		for _, kind := range kinds {
			streams = append(streams, l.streamKey(kind))
		}
		for range kinds {
			streams = append(streams, ">")
		}

		for {
			if ctx.Err() != nil {
				return
			}

			res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  streams,
				Count:    l.opts.ConsumeBatch,
				Block:    l.opts.BlockTimeout,
			}).Result()
			if errors.Is(err, redis.Nil) {
				// Blocking read timed out with nothing new.
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("consumer read failed",
					zap.String("group", group),
					zap.String("consumer", consumer),
					zap.Error(err))
				// Groups may not exist yet if the store was down at startup.
				if err := l.ensureGroups(ctx, kinds, group); err != nil {
					l.logger.Error("failed to create consumer groups",
						zap.String("group", group),
						zap.Error(err))
				}
				select {
				case <-time.After(l.opts.ErrorBackoff):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, stream := range res {
				kind := strings.TrimPrefix(stream.Stream, l.opts.Prefix)
				for _, msg := range stream.Messages {
					entry, err := l.entryFromMessage(msg)
					if err != nil {
						l.logger.Error("skipping undecodable entry",
							zap.String("stream", stream.Stream),
							zap.String("entry_id", msg.ID),
							zap.Error(err))
						continue
					}
					entryID := msg.ID
					delivery := Delivery{
						Kind:  kind,
						Entry: entry,
						Ack: func(ctx context.Context) error {
							return l.Ack(ctx, kind, group, entryID)
						},
					}
					select {
					case out <- delivery:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

// Ack acknowledges one delivered entry, removing it from the group's
// pending set.
func (l *RedisLog) Ack(ctx context.Context, kind, group, entryID string) error {
	if err := l.client.XAck(ctx, l.streamKey(kind), group, entryID).Err(); err != nil {
		return apperrors.PersistenceUnavailable(fmt.Sprintf("failed to ack entry %s", entryID), err)
	}
	return nil
}

// PendingEvents lists entries delivered to the group but unacknowledged
// for at least minIdle, and atomically reclaims each to the given
// consumer (or the default reclaimer identity). The reclaim itself
// counts as a delivery, so DeliveryCount on the returned entries is the
// prior count plus one.
func (l *RedisLog) PendingEvents(ctx context.Context, kind, group, consumer string, minIdle time.Duration) ([]PendingEntry, error) {
	if consumer == "" {
		consumer = defaultReclaimer
	}
	key := l.streamKey(kind)

	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Idle:   minIdle,
		Start:  StreamStart,
		End:    StreamEnd,
		Count:  pendingBatch,
	}).Result()
	if err != nil {
		return nil, apperrors.PersistenceUnavailable(fmt.Sprintf("failed to list pending entries for %s", kind), err)
	}

	claimed := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		msgs, err := l.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, apperrors.PersistenceUnavailable(fmt.Sprintf("failed to claim entry %s", p.ID), err)
		}
		if len(msgs) == 0 {
			// Acked or trimmed between the listing and the claim.
			continue
		}
		entry, err := l.entryFromMessage(msgs[0])
		if err != nil {
			l.logger.Error("skipping undecodable pending entry",
				zap.String("stream", key),
				zap.String("entry_id", p.ID),
				zap.Error(err))
			continue
		}
		claimed = append(claimed, PendingEntry{
			Entry:         entry,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount + 1,
		})
	}
	return claimed, nil
}

// TrimOlderThan removes entries older than maxAge using an id cutoff
// derived from the wall clock; the trim is exact, not approximate.
// Returns the number of entries removed.
func (l *RedisLog) TrimOlderThan(ctx context.Context, kind string, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	minID := strconv.FormatInt(cutoff, 10) + "-0"

	trimmed, err := l.client.XTrimMinID(ctx, l.streamKey(kind), minID).Result()
	if err != nil {
		return 0, apperrors.PersistenceUnavailable(fmt.Sprintf("failed to trim %s stream", kind), err)
	}
	return trimmed, nil
}

// Info returns length, boundary entries and consumer groups for one
// per-kind stream. A stream that has never been written to reports
// zero length and no groups.
func (l *RedisLog) Info(ctx context.Context, kind string) (*StreamInfo, error) {
	key := l.streamKey(kind)

	stream, err := l.client.XInfoStream(ctx, key).Result()
	if err != nil {
		if isNoSuchKey(err) {
			return &StreamInfo{Kind: kind}, nil
		}
		return nil, apperrors.PersistenceUnavailable(fmt.Sprintf("failed to inspect %s stream", kind), err)
	}

	groups, err := l.client.XInfoGroups(ctx, key).Result()
	if err != nil && !isNoSuchKey(err) {
		return nil, apperrors.PersistenceUnavailable(fmt.Sprintf("failed to inspect %s consumer groups", kind), err)
	}

	info := &StreamInfo{
		Kind:         kind,
		Length:       stream.Length,
		FirstEntryID: stream.FirstEntry.ID,
		LastEntryID:  stream.LastEntry.ID,
		Groups:       make([]GroupInfo, 0, len(groups)),
	}
	for _, g := range groups {
		info.Groups = append(info.Groups, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return info, nil
}

func (l *RedisLog) ensureGroups(ctx context.Context, kinds []string, group string) error {
	for _, kind := range kinds {
		err := l.client.XGroupCreateMkStream(ctx, l.streamKey(kind), group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return apperrors.PersistenceUnavailable(fmt.Sprintf("failed to create consumer group %s on %s", group, kind), err)
		}
	}
	return nil
}

func (l *RedisLog) entryFromMessage(msg redis.XMessage) (Entry, error) {
	raw, ok := msg.Values[fieldEvent].(string)
	if !ok {
		return Entry{}, apperrors.Serialization(fmt.Sprintf("entry %s has no event field", msg.ID))
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Entry{}, apperrors.Wrap(apperrors.ErrorTypeSerialization, fmt.Sprintf("failed to decode entry %s", msg.ID), err)
	}
	env, err := l.registry.Deserialize(fields)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: msg.ID, Envelope: env}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such key")
}
