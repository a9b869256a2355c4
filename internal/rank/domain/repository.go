package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, progress *MonthlyRankProgress) error
	Find(ctx context.Context, db *gorm.DB, memberID snowflake.ID, period time.Time) (*MonthlyRankProgress, error)
	FindLatestBefore(ctx context.Context, db *gorm.DB, memberID snowflake.ID, period time.Time) (*MonthlyRankProgress, error)
	FindLatest(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*MonthlyRankProgress, error)
	ExistsAfter(ctx context.Context, db *gorm.DB, memberID snowflake.ID, period time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, memberID snowflake.ID, limit int) ([]MonthlyRankProgress, error)
}
