package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	ListActiveRanks(ctx context.Context, db *gorm.DB) ([]Rank, error)
	FindRankByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Rank, error)
	FindRankByCode(ctx context.Context, db *gorm.DB, code string) (*Rank, error)
	ListActivePlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	InsertRankIfAbsent(ctx context.Context, db *gorm.DB, rank *Rank) (bool, error)
	InsertPlanIfAbsent(ctx context.Context, db *gorm.DB, plan *Plan) (bool, error)
}
