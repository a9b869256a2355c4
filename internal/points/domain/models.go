package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionBinaryCommission TransactionType = "BINARY_COMMISSION"
	TransactionDirectBonus      TransactionType = "DIRECT_BONUS"
	TransactionWithdrawal       TransactionType = "WITHDRAWAL"
)

func (t TransactionType) IsCredit() bool {
	return t == TransactionBinaryCommission || t == TransactionDirectBonus
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusFailed    TransactionStatus = "FAILED"
)

// PointsBalance is derived state: every change is paired with exactly one
// PointsTransaction committed in the same database transaction.
type PointsBalance struct {
	ID                   snowflake.ID  `gorm:"primaryKey" json:"id"`
	MemberID             snowflake.ID  `gorm:"not null;uniqueIndex" json:"member_id"`
	AvailablePoints      int64         `gorm:"not null;default:0" json:"available_points"`
	TotalEarnedPoints    int64         `gorm:"not null;default:0" json:"total_earned_points"`
	TotalWithdrawnPoints int64         `gorm:"not null;default:0" json:"total_withdrawn_points"`
	PlanID               *snowflake.ID `json:"plan_id,omitempty"`
	CreatedAt            time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time     `gorm:"not null" json:"updated_at"`
}

func (PointsBalance) TableName() string { return "points_balances" }

// Consistent reports whether available = earned - withdrawn >= 0.
func (b PointsBalance) Consistent() bool {
	return b.AvailablePoints >= 0 && b.AvailablePoints == b.TotalEarnedPoints-b.TotalWithdrawnPoints
}

// PointsTransaction is append-only. ReferenceKey, when set, identifies the
// business event that produced it so a replay returns this row instead of
// applying a second delta.
type PointsTransaction struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	MemberID     snowflake.ID      `gorm:"not null;index" json:"member_id"`
	Type         TransactionType   `gorm:"type:text;not null" json:"type"`
	Amount       int64             `gorm:"not null" json:"amount"`
	Status       TransactionStatus `gorm:"type:text;not null" json:"status"`
	ReferenceKey *string           `gorm:"type:text;uniqueIndex" json:"reference_key,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index" json:"created_at"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

type CreditRequest struct {
	MemberID     snowflake.ID
	Type         TransactionType
	Amount       int64
	Metadata     map[string]any
	ReferenceKey string
}

type WithdrawRequest struct {
	MemberID     snowflake.ID
	Amount       int64
	Metadata     map[string]any
	ReferenceKey string
}

type Result struct {
	Transaction *PointsTransaction `json:"transaction"`
	Balance     *PointsBalance     `json:"balance"`
	// Replayed is set when the reference key matched an earlier transaction.
	Replayed bool `json:"replayed"`
}

type ListTransactionsRequest struct {
	MemberID  snowflake.ID
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	Transactions  []PointsTransaction `json:"transactions"`
	NextPageToken string              `json:"next_page_token,omitempty"`
	HasMore       bool                `json:"has_more"`
}
