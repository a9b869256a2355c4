package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EventType string

const (
	EventMemberPlaced        EventType = "MEMBER_PLACED"
	EventVolumeAdded         EventType = "VOLUME_ADDED"
	EventRankAchieved        EventType = "RANK_ACHIEVED"
	EventDirectBonus         EventType = "DIRECT_BONUS"
	EventBinaryCommission    EventType = "BINARY_COMMISSION"
	EventPointsWithdrawn     EventType = "POINTS_WITHDRAWN"
	EventMembershipActivated EventType = "MEMBERSHIP_ACTIVATED"
	EventMembershipUpgrade   EventType = "MEMBERSHIP_UPGRADE"
	EventMembershipDowngrade EventType = "MEMBERSHIP_DOWNGRADE"
	EventMembershipExpired   EventType = "MEMBERSHIP_EXPIRED"
)

// Event is a domain notification addressed to a single member. Delivery is
// at-least-once; DedupeKey is stable across replays so consumers can render
// idempotently.
type Event struct {
	ID         snowflake.ID   `json:"id"`
	Type       EventType      `json:"type"`
	MemberID   snowflake.ID   `json:"member_id"`
	Payload    map[string]any `json:"payload"`
	DedupeKey  string         `json:"dedupe_key"`
	OccurredAt time.Time      `json:"occurred_at"`
}
