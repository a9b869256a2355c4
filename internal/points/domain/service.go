package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	Credit(ctx context.Context, req CreditRequest) (*Result, error)
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (*Result, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (*Result, error)
	WithdrawTx(ctx context.Context, tx *gorm.DB, req WithdrawRequest) (*Result, error)
	GetBalance(ctx context.Context, memberID snowflake.ID) (*PointsBalance, error)
	BindPlanTx(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, planID *snowflake.ID) error
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResponse, error)
	// SumEarned totals completed credits created in [from, to).
	SumEarned(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, from, to time.Time) (int64, error)
}
