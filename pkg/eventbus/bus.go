// Package eventbus implements the Event Bus: a per-pad durable ordered
// stream (XADD/XREAD with an approximate MAXLEN cap), a per-pad
// ephemeral pointer pub/sub channel, and a per-pad presence hash, all
// backed by Redis.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/internal/protocol"
	"github.com/padloom/padloom/pkg/logging"
)

// Latest is the cursor sentinel meaning "only events appended after this
// call".
const Latest = "$"

// Config configures stream/channel/presence naming and TTLs.
type Config struct {
	StreamExpiry   time.Duration
	StreamMaxLen   int64
	PresenceExpiry time.Duration
}

// Bus is the Redis-backed Event Bus.
type Bus struct {
	rdb *redis.Client
	cfg Config
}

// New connects to Redis at url and verifies the connection with a PING.
func New(url string, cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}

	return &Bus{rdb: rdb, cfg: cfg}, nil
}

// NewWithClient wraps an already-constructed redis client, used by tests
// against miniredis.
func NewWithClient(rdb *redis.Client, cfg Config) *Bus {
	return &Bus{rdb: rdb, cfg: cfg}
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func streamKey(padID string) string { return "pad:stream:" + padID }
func pointerChannel(padID string) string { return "pad:pointer:updates:" + padID }
func presenceKey(padID string) string { return "pad:users:" + padID }

// AppendEvent appends a durable event to the pad's stream, trims it to
// ~StreamMaxLen entries, and renews the stream's TTL. Non-durable event
// types (pointer_update, connected) must not be passed here.
func (b *Bus) AppendEvent(ctx context.Context, padID string, ev protocol.Event) error {
	fields, err := eventToFields(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := streamKey(padID)
	pipe := b.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.cfg.StreamMaxLen,
		Approx: true,
		Values: fields,
	})
	pipe.Expire(ctx, key, b.cfg.StreamExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return nil
}

// ReadEvents performs one blocking read of the pad's durable stream,
// starting strictly after cursor (Latest means "only new events"),
// returning the events read and the cursor to resume from next. block<=0
// disables blocking (returns immediately with whatever is available).
func (b *Bus) ReadEvents(ctx context.Context, padID, cursor string, count int64, block time.Duration) ([]protocol.Event, string, error) {
	if block <= 0 {
		// go-redis treats Block==0 as BLOCK 0 (wait forever); a negative
		// value omits BLOCK entirely, which is the non-blocking read we want.
		block = -1
	}
	streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(padID), cursor},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, cursor, nil
	}
	if err != nil {
		return nil, cursor, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	if len(streams) == 0 {
		return nil, cursor, nil
	}

	events := make([]protocol.Event, 0, len(streams[0].Messages))
	last := cursor
	for _, msg := range streams[0].Messages {
		ev, err := fieldsToEvent(msg.Values)
		if err != nil {
			logging.Log.WithError(err).Warn("eventbus: skipping malformed stream entry")
			last = msg.ID
			continue
		}
		events = append(events, ev)
		last = msg.ID
	}
	return events, last, nil
}

// PublishPointer fire-and-forgets a pointer_update event on the pad's
// ephemeral pub/sub channel. No persistence, no ordering guarantee.
func (b *Bus) PublishPointer(ctx context.Context, padID string, ev protocol.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode pointer event: %w", err)
	}
	if err := b.rdb.Publish(ctx, pointerChannel(padID), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return nil
}

// PointerSubscription wraps a Redis pub/sub subscription for a pad's
// pointer channel.
type PointerSubscription struct {
	ps *redis.PubSub
}

// SubscribePointer subscribes to the pad's pointer channel. Only events
// published after this call are ever observed by the subscriber.
func (b *Bus) SubscribePointer(ctx context.Context, padID string) *PointerSubscription {
	return &PointerSubscription{ps: b.rdb.Subscribe(ctx, pointerChannel(padID))}
}

// Next blocks until the next pointer event arrives or ctx is done.
func (s *PointerSubscription) Next(ctx context.Context) (protocol.Event, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	var ev protocol.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return protocol.Event{}, fmt.Errorf("decode pointer event: %w", err)
	}
	return ev, nil
}

// Close unsubscribes and releases the connection.
func (s *PointerSubscription) Close() error {
	return s.ps.Close()
}

func eventToFields(ev protocol.Event) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"type":          string(ev.Type),
		"pad_id":        ev.PadID,
		"user_id":       ev.UserID,
		"connection_id": ev.ConnectionID,
		"timestamp":     ev.MarshalTimestampZ(),
	}
	if len(ev.Data) > 0 {
		fields["data"] = string(ev.Data)
	}
	return fields, nil
}

func fieldsToEvent(values map[string]interface{}) (protocol.Event, error) {
	ev := protocol.Event{}
	if v, ok := values["type"].(string); ok {
		ev.Type = protocol.EventType(v)
	}
	if v, ok := values["pad_id"].(string); ok {
		ev.PadID = v
	}
	if v, ok := values["user_id"].(string); ok {
		ev.UserID = v
	}
	if v, ok := values["connection_id"].(string); ok {
		ev.ConnectionID = v
	}
	if v, ok := values["timestamp"].(string); ok {
		if t, err := time.Parse("2006-01-02T15:04:05.000Z07:00", v); err == nil {
			ev.Timestamp = t
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			ev.Timestamp = t
		}
	}
	if v, ok := values["data"].(string); ok && v != "" {
		ev.Data = json.RawMessage(v)
	}
	return ev, nil
}
