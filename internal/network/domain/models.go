package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Position string

const (
	PositionLeft  Position = "LEFT"
	PositionRight Position = "RIGHT"
	PositionNone  Position = "NONE"
)

func (p Position) Valid() bool {
	return p == PositionLeft || p == PositionRight
}

type Role string

const (
	RoleMember Role = "MEMBER"
	RoleAdmin  Role = "ADMIN"
)

// Member is a node of the placement tree. Tree relations are stored as ids;
// (ParentID, Position) is unique so a parent slot can hold one child only.
type Member struct {
	ID           snowflake.ID  `gorm:"primaryKey" json:"id"`
	Email        string        `gorm:"type:text;not null;uniqueIndex" json:"email"`
	ReferralCode string        `gorm:"type:text;not null;uniqueIndex" json:"referral_code"`
	ReferrerCode *string       `gorm:"type:text;index" json:"referrer_code,omitempty"`
	ParentID     *snowflake.ID `gorm:"uniqueIndex:ux_members_parent_position,priority:1" json:"parent_id,omitempty"`
	Position     Position      `gorm:"type:text;not null;uniqueIndex:ux_members_parent_position,priority:2" json:"position"`
	LeftChildID  *snowflake.ID `json:"left_child_id,omitempty"`
	RightChildID *snowflake.ID `json:"right_child_id,omitempty"`
	ReferrerLeg  Position      `gorm:"type:text;not null" json:"referrer_leg"`
	IsActive     bool          `gorm:"not null" json:"is_active"`
	Role         Role          `gorm:"type:text;not null" json:"role"`
	FirstName    string        `gorm:"type:text" json:"first_name"`
	LastName     string        `gorm:"type:text" json:"last_name"`
	Phone        string        `gorm:"type:text" json:"phone"`
	CreatedAt    time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"not null" json:"updated_at"`
}

func (Member) TableName() string { return "members" }

// ChildAt returns the child occupying the given slot, if any.
func (m *Member) ChildAt(side Position) *snowflake.ID {
	switch side {
	case PositionLeft:
		return m.LeftChildID
	case PositionRight:
		return m.RightChildID
	default:
		return nil
	}
}

// Placement is where a new member landed.
type Placement struct {
	ParentID *snowflake.ID `json:"parent_id,omitempty"`
	Position Position      `json:"position"`
	// Depth counts the occupied nodes walked below the referrer.
	Depth int `json:"depth"`
}

// Ancestor is a member above another member in the tree, with the leg of
// the ancestor the descendant lies in.
type Ancestor struct {
	MemberID snowflake.ID `json:"member_id"`
	Side     Position     `json:"side"`
	Depth    int          `json:"depth"`
}

type DownlineCounts struct {
	Left  int64 `json:"left"`
	Right int64 `json:"right"`
}

// DirectCounts are referred members split by the referrer's leg they landed in.
type DirectCounts struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

type Profile struct {
	FirstName string
	LastName  string
	Phone     string
}

type RegisterRequest struct {
	Email             string
	ReferrerCode      string
	PreferredPosition Position
	// ReferralCode optionally requests a vanity code; one is generated otherwise.
	ReferralCode string
	Profile      Profile
}

type RegisterResult struct {
	Member    *Member   `json:"member"`
	Placement Placement `json:"placement"`
}
