package events

import (
	"context"
	"encoding/json"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink is the outbound delivery collaborator. Implementations must be safe
// for concurrent use; a returned error leaves the event pending for retry.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events.sink")}
}

func (s *LogSink) Deliver(_ context.Context, evt Event) error {
	s.log.Info("event delivered",
		zap.String("event_type", string(evt.Type)),
		zap.String("member_id", evt.MemberID.String()),
		zap.String("dedupe_key", evt.DedupeKey),
	)
	return nil
}

// ChannelSink hands events to an in-process consumer.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

func (s *ChannelSink) Deliver(ctx context.Context, evt Event) error {
	select {
	case s.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RedisSink fans events out over Redis pub/sub for realtime consumers.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, body).Err()
}

// MultiSink delivers to every sink and reports all failures.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, evt Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Deliver(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
