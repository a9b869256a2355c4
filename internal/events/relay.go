package events

import (
	"context"

	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRelayBatch       = 100
	defaultRelayMaxAttempts = 10
)

type RelayParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Sink       Sink
	Clock      clock.Clock
	Config     config.Config       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Relay moves committed outbox rows to the sink in id order.
type Relay struct {
	db         *gorm.DB
	log        *zap.Logger
	sink       Sink
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	maxAttempts int
}

func NewRelay(p RelayParams) *Relay {
	maxAttempts := p.Config.OutboxMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultRelayMaxAttempts
	}
	return &Relay{
		db:         p.DB,
		log:        p.Log.Named("events.relay"),
		sink:       p.Sink,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,

		maxAttempts: maxAttempts,
	}
}

// RelayOnce delivers up to limit pending events and returns how many were
// marked published. Rows are claimed with SKIP LOCKED so concurrent relays
// never deliver the same row at the same time. A sink failure stops the
// batch and leaves the failed row and the rest pending, unless the row has
// now failed maxAttempts times (the configured cap when zero): then it is
// parked as failed and the batch moves on.
func (r *Relay) RelayOnce(ctx context.Context, limit, maxAttempts int) (int, error) {
	if limit <= 0 {
		limit = defaultRelayBatch
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultRelayMaxAttempts
	}

	delivered := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []OutboxEvent
		if err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
			Where("published = ? AND failed = ?", false, false).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}

		for _, row := range rows {
			if err := r.sink.Deliver(ctx, row.toEvent()); err != nil {
				attempts := row.Attempts + 1
				parked := attempts >= maxAttempts
				fields := []zap.Field{
					zap.String("event_id", row.ID.String()),
					zap.String("event_type", row.EventType),
					zap.Int("attempts", attempts),
					zap.Error(err),
				}
				if updErr := tx.Model(&OutboxEvent{}).Where("id = ?", row.ID).Updates(map[string]any{
					"attempts":   attempts,
					"failed":     parked,
					"last_error": err.Error(),
				}).Error; updErr != nil {
					return updErr
				}
				if !parked {
					r.log.Warn("event delivery failed", fields...)
					return nil
				}
				r.log.Error("event parked after repeated delivery failures", fields...)
				r.obsMetrics.IncEventParked(row.EventType)
				continue
			}

			now := r.clock.Now()
			if err := tx.Model(&OutboxEvent{}).Where("id = ?", row.ID).Updates(map[string]any{
				"published":    true,
				"published_at": now,
				"attempts":     gorm.Expr("attempts + 1"),
			}).Error; err != nil {
				return err
			}
			delivered++
			r.obsMetrics.IncEventPublished(row.EventType)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var pending int64
	if err := r.db.WithContext(ctx).Model(&OutboxEvent{}).Where("published = ? AND failed = ?", false, false).Count(&pending).Error; err == nil {
		r.obsMetrics.SetEventsPending(int(pending))
	}
	return delivered, nil
}
