// Package bus is the durable event-bus adapter (§4.1): per-topic ordered
// records with consumer-group semantics, at-least-once delivery, and a
// dead-letter topic for anything that fails to parse or to handle. It is
// backed by Redis Streams, generalizing the teacher's in-process
// internal/events.Bus into a durable, multi-consumer log.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope wraps every message on every topic.
type Envelope struct {
	EventID       string         `json:"event_id"`
	TsMs          int64          `json:"ts_ms"`
	Env           string         `json:"env"`
	Service       string         `json:"service"`
	TraceID       string         `json:"trace_id,omitempty"`
	SchemaVersion int            `json:"schema_version"`
	Meta          map[string]any `json:"meta,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Ext           map[string]any `json:"ext,omitempty"`
}

// Message is a delivered record: the envelope plus its stream id for ack.
type Message struct {
	ID       string
	Envelope Envelope
}

const dlqTopic = "dlq"

// Bus publishes to and consumes from Redis Streams.
type Bus struct {
	rdb     *redis.Client
	service string
}

func New(rdb *redis.Client, service string) *Bus {
	return &Bus{rdb: rdb, service: service}
}

// Publish appends an envelope to topic. Safe under retry: callers should set
// EventID deterministically so repeated publishes are idempotent downstream.
func (b *Bus) Publish(ctx context.Context, topic string, env Envelope) error {
	if env.TsMs == 0 {
		env.TsMs = time.Now().UnixMilli()
	}
	if env.Service == "" {
		env.Service = b.service
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = 1
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"envelope": raw},
	}).Result()
	if err != nil {
		return fmt.Errorf("bus: xadd %s: %w", topic, err)
	}
	return nil
}

// EnsureGroup creates the consumer group at the tail of the stream if absent.
func (b *Bus) EnsureGroup(ctx context.Context, topic, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("bus: ensure group %s/%s: %w", topic, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Consume reads a batch of messages not yet delivered to the group
// (XREADGROUP with ">") for (group, consumer). Entries already delivered but
// left unacked stay in the group's pending list and are not re-read here.
// It never returns a partially-parsed message: anything that fails JSON
// validation is routed to the DLQ and ack'd so the consumer does not wedge.
func (b *Bus) Consume(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: xreadgroup %s/%s: %w", topic, group, err)
	}

	var out []Message
	for _, stream := range res {
		for _, xm := range stream.Messages {
			raw, _ := xm.Values["envelope"].(string)
			var env Envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				b.toDLQ(ctx, topic, xm.ID, raw, err)
				_ = b.Ack(ctx, topic, group, xm.ID)
				continue
			}
			out = append(out, Message{ID: xm.ID, Envelope: env})
		}
	}
	return out, nil
}

// Ack advances the group bookmark for id.
func (b *Bus) Ack(ctx context.Context, topic, group, id string) error {
	return b.rdb.XAck(ctx, topic, group, id).Err()
}

// PendingCount returns the number of unacked messages for (topic, group).
func (b *Bus) PendingCount(ctx context.Context, topic, group string) (int64, error) {
	p, err := b.rdb.XPending(ctx, topic, group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// GroupLag returns how far the group bookmark trails the stream tail.
func (b *Bus) GroupLag(ctx context.Context, topic, group string) (int64, error) {
	groups, err := b.rdb.XInfoGroups(ctx, topic).Result()
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag, nil
		}
	}
	return 0, nil
}

// Handoff moves a message that failed processing (not parsing) to the DLQ,
// then acks it at its origin topic/group so the consumer advances.
func (b *Bus) Handoff(ctx context.Context, topic, group, id string, env Envelope, handleErr error) {
	raw, _ := json.Marshal(env)
	b.toDLQ(ctx, topic, id, string(raw), handleErr)
	if err := b.Ack(ctx, topic, group, id); err != nil {
		log.Printf("bus: ack after dlq handoff failed topic=%s id=%s: %v", topic, id, err)
	}
}

func (b *Bus) toDLQ(ctx context.Context, origTopic, origID, raw string, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqTopic,
		Values: map[string]any{
			"origin_topic": origTopic,
			"origin_id":    origID,
			"raw":          raw,
			"reason":       reason,
			"ts_ms":        time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		log.Printf("bus: failed to write dlq entry for %s/%s: %v", origTopic, origID, err)
	}
}
