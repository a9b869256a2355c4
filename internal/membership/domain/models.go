package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusExpired  Status = "EXPIRED"
)

type Action string

const (
	ActionCreated     Action = "CREATED"
	ActionActivated   Action = "ACTIVATED"
	ActionUpgrade     Action = "UPGRADE"
	ActionDowngrade   Action = "DOWNGRADE"
	ActionExpired     Action = "EXPIRED"
	ActionDeactivated Action = "DEACTIVATED"
)

// Membership is a member's plan subscription. A member has at most one
// ACTIVE row; the partial unique index backs the check done on write.
type Membership struct {
	ID                         snowflake.ID `gorm:"primaryKey" json:"id"`
	MemberID                   snowflake.ID `gorm:"not null;index:ix_memberships_member;uniqueIndex:ux_memberships_member_active,where:status = 'ACTIVE'" json:"member_id"`
	PlanID                     snowflake.ID `gorm:"not null" json:"plan_id"`
	Status                     Status       `gorm:"type:text;not null;index" json:"status"`
	StartDate                  *time.Time   `json:"start_date,omitempty"`
	EndDate                    *time.Time   `gorm:"index" json:"end_date,omitempty"`
	AutoRenewal                bool         `gorm:"not null" json:"auto_renewal"`
	MinimumReconsumptionAmount int64        `gorm:"not null;default:0" json:"minimum_reconsumption_amount"`
	CreatedAt                  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt                  time.Time    `gorm:"not null" json:"updated_at"`
}

func (Membership) TableName() string { return "memberships" }

// Snapshot is the JSON image stored in history rows.
func (m Membership) Snapshot() datatypes.JSONMap {
	snap := datatypes.JSONMap{
		"id":                           m.ID.String(),
		"plan_id":                      m.PlanID.String(),
		"status":                       string(m.Status),
		"auto_renewal":                 m.AutoRenewal,
		"minimum_reconsumption_amount": m.MinimumReconsumptionAmount,
	}
	if m.StartDate != nil {
		snap["start_date"] = m.StartDate.UTC().Format(time.RFC3339)
	}
	if m.EndDate != nil {
		snap["end_date"] = m.EndDate.UTC().Format(time.RFC3339)
	}
	return snap
}

// MembershipHistory is append-only.
type MembershipHistory struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	MembershipID snowflake.ID      `gorm:"not null;index" json:"membership_id"`
	MemberID     snowflake.ID      `gorm:"not null;index" json:"member_id"`
	Action       Action            `gorm:"type:text;not null" json:"action"`
	Before       datatypes.JSONMap `gorm:"type:json" json:"before,omitempty"`
	After        datatypes.JSONMap `gorm:"type:json" json:"after,omitempty"`
	Reason       string            `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
}

func (MembershipHistory) TableName() string { return "membership_history" }

type ActivateRequest struct {
	MemberID    snowflake.ID
	PlanCode    string
	AutoRenewal bool
}

type ActivationResult struct {
	Membership  *Membership   `json:"membership"`
	DirectBonus int64         `json:"direct_bonus"`
	ReferrerID  *snowflake.ID `json:"referrer_id,omitempty"`
}

type ChangePlanResult struct {
	Membership *Membership `json:"membership"`
	Action     Action      `json:"action"`
}
