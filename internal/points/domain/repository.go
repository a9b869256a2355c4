package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	EnsureBalance(ctx context.Context, db *gorm.DB, balance *PointsBalance) error
	FindBalance(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*PointsBalance, error)
	FindBalanceForUpdate(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*PointsBalance, error)
	ApplyCredit(ctx context.Context, db *gorm.DB, memberID snowflake.ID, amount int64, at time.Time) error
	// ApplyWithdrawal reports false when available points do not cover amount.
	ApplyWithdrawal(ctx context.Context, db *gorm.DB, memberID snowflake.ID, amount int64, at time.Time) (bool, error)
	BindPlan(ctx context.Context, db *gorm.DB, memberID snowflake.ID, planID *snowflake.ID, at time.Time) error
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *PointsTransaction) error
	FindTransactionByReference(ctx context.Context, db *gorm.DB, referenceKey string) (*PointsTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, memberID snowflake.ID, beforeID snowflake.ID, limit int) ([]PointsTransaction, error)
	SumCredits(ctx context.Context, db *gorm.DB, memberID snowflake.ID, from, to time.Time) (int64, error)
}
