package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/smallbiznis/binaryplan/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupOutbox(t *testing.T) (*gorm.DB, *Outbox, *clock.FakeClock) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&OutboxEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))

	return conn, NewOutbox(OutboxParams{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk}), clk
}

func TestPublishTxDeduplicates(t *testing.T) {
	conn, outbox, _ := setupOutbox(t)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr-1")

	evt := Event{Type: EventDirectBonus, MemberID: 7, DedupeKey: "direct_bonus:1", Payload: map[string]any{"amount": 10}}
	require.NoError(t, outbox.Publish(ctx, evt))
	require.NoError(t, outbox.Publish(ctx, evt))

	var rows []OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "corr-1", rows[0].Payload["correlation_id"])
	assert.False(t, rows[0].Published)
}

func TestPublishTxRollsBackWithCaller(t *testing.T) {
	conn, outbox, _ := setupOutbox(t)
	boom := errors.New("boom")

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := outbox.PublishTx(context.Background(), tx, Event{Type: EventVolumeAdded, MemberID: 1, DedupeKey: "v:1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPublishTxValidates(t *testing.T) {
	_, outbox, _ := setupOutbox(t)
	assert.ErrorIs(t, outbox.Publish(context.Background(), Event{Type: EventVolumeAdded}), ErrMissingDedupeKey)
	assert.ErrorIs(t, outbox.Publish(context.Background(), Event{DedupeKey: "x"}), ErrMissingEventType)
}

type failingSink struct {
	failOn string
	got    []Event
}

func (s *failingSink) Deliver(_ context.Context, evt Event) error {
	if evt.DedupeKey == s.failOn {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, evt)
	return nil
}

func TestRelayDeliversInOrderAndStopsOnFailure(t *testing.T) {
	conn, outbox, clk := setupOutbox(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, outbox.Publish(ctx, Event{Type: EventVolumeAdded, MemberID: 1, DedupeKey: key}))
	}

	sink := &failingSink{failOn: "b"}
	relay := NewRelay(RelayParams{DB: conn, Log: zap.NewNop(), Sink: sink, Clock: clk})

	n, err := relay.RelayOnce(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.got, 1)
	assert.Equal(t, "a", sink.got[0].DedupeKey)

	sink.failOn = ""
	n, err = relay.RelayOnce(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "b", sink.got[1].DedupeKey)
	assert.Equal(t, "c", sink.got[2].DedupeKey)

	var failed OutboxEvent
	require.NoError(t, conn.Where("dedupe_key = ?", "b").First(&failed).Error)
	assert.True(t, failed.Published)
	assert.Equal(t, 2, failed.Attempts)
}

func TestRelayParksEventTheSinkKeepsRejecting(t *testing.T) {
	conn, outbox, clk := setupOutbox(t)
	ctx := context.Background()
	for _, key := range []string{"a", "poison", "c"} {
		require.NoError(t, outbox.Publish(ctx, Event{Type: EventVolumeAdded, MemberID: 1, DedupeKey: key}))
	}

	sink := &failingSink{failOn: "poison"}
	relay := NewRelay(RelayParams{DB: conn, Log: zap.NewNop(), Sink: sink, Clock: clk})

	n, err := relay.RelayOnce(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = relay.RelayOnce(ctx, 10, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Third failure parks the row and the batch carries on past it.
	n, err = relay.RelayOnce(ctx, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.got, 2)
	assert.Equal(t, "a", sink.got[0].DedupeKey)
	assert.Equal(t, "c", sink.got[1].DedupeKey)

	var parked OutboxEvent
	require.NoError(t, conn.Where("dedupe_key = ?", "poison").First(&parked).Error)
	assert.True(t, parked.Failed)
	assert.False(t, parked.Published)
	assert.Equal(t, 3, parked.Attempts)
	assert.Equal(t, "sink unavailable", parked.LastError)

	n, err = relay.RelayOnce(ctx, 10, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sink.got, 2)
}

func TestRelayUsesConfiguredAttemptCap(t *testing.T) {
	conn, outbox, clk := setupOutbox(t)
	ctx := context.Background()
	require.NoError(t, outbox.Publish(ctx, Event{Type: EventVolumeAdded, MemberID: 1, DedupeKey: "poison"}))

	relay := NewRelay(RelayParams{
		DB: conn, Log: zap.NewNop(), Sink: &failingSink{failOn: "poison"}, Clock: clk,
		Config: config.Config{OutboxMaxAttempts: 1},
	})
	_, err := relay.RelayOnce(ctx, 10, 0)
	require.NoError(t, err)

	var parked OutboxEvent
	require.NoError(t, conn.Where("dedupe_key = ?", "poison").First(&parked).Error)
	assert.True(t, parked.Failed)
}

func TestChannelSinkAndRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "binaryplan.events")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ch := NewChannelSink(1)
	sink := MultiSink{ch, NewRedisSink(client, "binaryplan.events")}
	evt := Event{ID: 1, Type: EventRankAchieved, MemberID: 9, DedupeKey: "rank:9:2025-03"}
	require.NoError(t, sink.Deliver(ctx, evt))

	got := <-ch.Events()
	assert.Equal(t, evt.DedupeKey, got.DedupeKey)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"type":"RANK_ACHIEVED"`)
}
