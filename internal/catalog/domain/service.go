package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the read-only rank and plan catalog.
type Service interface {
	ListRanks(ctx context.Context) ([]Rank, error)
	GetRank(ctx context.Context, id snowflake.ID) (*Rank, error)
	// GetRankTx reads through tx and also returns ranks retired from the
	// ladder.
	GetRankTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Rank, error)
	GetRankByCode(ctx context.Context, code string) (*Rank, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	GetPlan(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetPlanByCode(ctx context.Context, code string) (*Plan, error)
	Seed(ctx context.Context) error
}
