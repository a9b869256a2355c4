package events

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingDedupeKey = errors.New("event_dedupe_key_required")
	ErrMissingEventType = errors.New("event_type_required")
)

// Publisher records events as part of the caller's transaction so an event
// exists if and only if the state change that caused it committed.
type Publisher interface {
	PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error
}

type OutboxParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// PublishTx stores evt inside tx. A second publish with the same dedupe key
// is dropped silently.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if strings.TrimSpace(string(evt.Type)) == "" {
		return ErrMissingEventType
	}
	if strings.TrimSpace(evt.DedupeKey) == "" {
		return ErrMissingDedupeKey
	}

	payload := datatypes.JSONMap{}
	for k, v := range evt.Payload {
		payload[k] = v
	}
	for k, v := range correlation.Metadata(ctx) {
		payload[k] = v
	}

	row := OutboxEvent{
		ID:        o.genID.Generate(),
		EventType: string(evt.Type),
		MemberID:  evt.MemberID,
		Payload:   payload,
		DedupeKey: evt.DedupeKey,
		CreatedAt: o.clock.Now(),
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		o.log.Debug("duplicate event dropped", zap.String("dedupe_key", evt.DedupeKey))
	}
	return nil
}

// Publish stores evt in its own transaction.
func (o *Outbox) Publish(ctx context.Context, evt Event) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.PublishTx(ctx, tx, evt)
	})
}

var _ Publisher = (*Outbox)(nil)
