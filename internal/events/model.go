package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// OutboxEvent is the persisted form of an Event awaiting relay.
type OutboxEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	EventType   string            `gorm:"type:text;not null"`
	MemberID    snowflake.ID      `gorm:"not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:json"`
	DedupeKey   string            `gorm:"type:text;not null;uniqueIndex"`
	Published   bool              `gorm:"not null;default:false;index"`
	// Failed parks a row the sink kept rejecting; the relay skips it.
	Failed      bool              `gorm:"not null;default:false"`
	Attempts    int               `gorm:"not null;default:0"`
	LastError   string            `gorm:"type:text"`
	CreatedAt   time.Time         `gorm:"not null"`
	PublishedAt *time.Time
}

func (OutboxEvent) TableName() string { return "network_events" }

func (e OutboxEvent) toEvent() Event {
	return Event{
		ID:         e.ID,
		Type:       EventType(e.EventType),
		MemberID:   e.MemberID,
		Payload:    map[string]any(e.Payload),
		DedupeKey:  e.DedupeKey,
		OccurredAt: e.CreatedAt,
	}
}
