package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
)

type WeeklyStatus string

const (
	WeeklyPending   WeeklyStatus = "PENDING"
	WeeklyProcessed WeeklyStatus = "PROCESSED"
	WeeklyCancelled WeeklyStatus = "CANCELLED"
)

// VolumeActivity is one qualifying sale or activation credited to the
// originator's upline.
type VolumeActivity struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	MemberID     snowflake.ID `gorm:"not null;index" json:"member_id"`
	Amount       int64        `gorm:"not null" json:"amount"`
	Source       string       `gorm:"type:text" json:"source,omitempty"`
	ReferenceKey *string      `gorm:"type:text;uniqueIndex" json:"reference_key,omitempty"`
	OccurredAt   time.Time    `gorm:"not null;index" json:"occurred_at"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (VolumeActivity) TableName() string { return "volume_activities" }

// LegVolume records how much of an activity reached a beneficiary and on
// which of its legs.
type LegVolume struct {
	ID            snowflake.ID           `gorm:"primaryKey" json:"id"`
	ActivityID    snowflake.ID           `gorm:"not null;uniqueIndex:ux_leg_volumes_activity_beneficiary" json:"activity_id"`
	BeneficiaryID snowflake.ID           `gorm:"not null;uniqueIndex:ux_leg_volumes_activity_beneficiary;index:ix_leg_volumes_beneficiary_time" json:"beneficiary_id"`
	Side          networkdomain.Position `gorm:"type:text;not null" json:"side"`
	Amount        int64                  `gorm:"not null" json:"amount"`
	Depth         int                    `gorm:"not null" json:"depth"`
	OccurredAt    time.Time              `gorm:"not null;index:ix_leg_volumes_beneficiary_time" json:"occurred_at"`
}

func (LegVolume) TableName() string { return "leg_volumes" }

// WeeklyVolume accumulates while PENDING and is frozen once PROCESSED.
// After close LeftVolume and RightVolume hold the pre-cut totals including
// the carry brought in from the previous week, so
// LeftVolume+RightVolume = PaidAmount+CarryOverLeft+CarryOverRight.
type WeeklyVolume struct {
	ID               snowflake.ID           `gorm:"primaryKey" json:"id"`
	MemberID         snowflake.ID           `gorm:"not null;uniqueIndex:ux_weekly_volumes_member_week" json:"member_id"`
	WeekStartDate    time.Time              `gorm:"not null;uniqueIndex:ux_weekly_volumes_member_week;index" json:"week_start_date"`
	WeekEndDate      time.Time              `gorm:"not null" json:"week_end_date"`
	LeftVolume       int64                  `gorm:"not null;default:0" json:"left_volume"`
	RightVolume      int64                  `gorm:"not null;default:0" json:"right_volume"`
	CarryInLeft      int64                  `gorm:"not null;default:0" json:"carry_in_left"`
	CarryInRight     int64                  `gorm:"not null;default:0" json:"carry_in_right"`
	Status           WeeklyStatus           `gorm:"type:text;not null" json:"status"`
	PaidAmount       int64                  `gorm:"not null;default:0" json:"paid_amount"`
	SelectedSide     networkdomain.Position `gorm:"type:text" json:"selected_side,omitempty"`
	CarryOverLeft    int64                  `gorm:"not null;default:0" json:"carry_over_left"`
	CarryOverRight   int64                  `gorm:"not null;default:0" json:"carry_over_right"`
	CarryOverVolume  int64                  `gorm:"not null;default:0" json:"carry_over_volume"`
	CommissionPoints int64                  `gorm:"not null;default:0" json:"commission_points"`
	ProcessedAt      *time.Time             `json:"processed_at,omitempty"`
	CreatedAt        time.Time              `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time              `gorm:"not null" json:"updated_at"`
}

func (WeeklyVolume) TableName() string { return "weekly_volumes" }

type RecordActivityRequest struct {
	MemberID     snowflake.ID
	Amount       int64
	OccurredAt   time.Time
	ReferenceKey string
	Source       string
}

type Attribution struct {
	BeneficiaryID snowflake.ID           `json:"beneficiary_id"`
	Side          networkdomain.Position `json:"side"`
	Depth         int                    `json:"depth"`
}

type RecordActivityResult struct {
	Activity     *VolumeActivity `json:"activity"`
	Attributions []Attribution   `json:"attributions"`
	Replayed     bool            `json:"replayed"`
}

type WeeklyCloseResult struct {
	WeekStart       time.Time `json:"week_start"`
	Processed       int       `json:"processed"`
	TotalPaid       int64     `json:"total_paid"`
	TotalCommission int64     `json:"total_commission"`
}

// MonthlyVolume is the rank-track aggregate for one calendar month.
type MonthlyVolume struct {
	MemberID     snowflake.ID `json:"member_id"`
	MonthStart   time.Time    `json:"month_start"`
	MonthEnd     time.Time    `json:"month_end"`
	Points       int64        `json:"points"`
	LeftDirects  int          `json:"left_directs"`
	RightDirects int          `json:"right_directs"`
	LeftVolume   int64        `json:"left_volume"`
	RightVolume  int64        `json:"right_volume"`
}

// CloseOutcome is the pure result of cutting one week's legs.
type CloseOutcome struct {
	Paid           int64
	SelectedSide   networkdomain.Position
	CarryOverLeft  int64
	CarryOverRight int64
	Commission     int64
}

// Cut pays the weaker leg up to payoutCap (zero means uncapped). The
// unpaid remainder of the weaker leg and the whole stronger leg carry over.
func Cut(left, right, payoutCap, commissionPercent int64) CloseOutcome {
	side := networkdomain.PositionLeft
	weak, strong := left, right
	if right < left {
		side = networkdomain.PositionRight
		weak, strong = right, left
	}
	paid := weak
	if payoutCap > 0 && paid > payoutCap {
		paid = payoutCap
	}
	out := CloseOutcome{
		Paid:         paid,
		SelectedSide: side,
		Commission:   paid * commissionPercent / 100,
	}
	if side == networkdomain.PositionLeft {
		out.CarryOverLeft, out.CarryOverRight = weak-paid, strong
	} else {
		out.CarryOverLeft, out.CarryOverRight = strong, weak-paid
	}
	return out
}
