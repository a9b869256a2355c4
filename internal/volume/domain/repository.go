package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	"gorm.io/gorm"
)

type Repository interface {
	InsertActivity(ctx context.Context, db *gorm.DB, activity *VolumeActivity) error
	FindActivityByReference(ctx context.Context, db *gorm.DB, referenceKey string) (*VolumeActivity, error)
	ListLegVolumes(ctx context.Context, db *gorm.DB, activityID snowflake.ID) ([]LegVolume, error)
	InsertLegVolumes(ctx context.Context, db *gorm.DB, rows []LegVolume) error
	SumLegVolume(ctx context.Context, db *gorm.DB, memberID snowflake.ID, from, to time.Time) (left int64, right int64, err error)

	EnsureWeekly(ctx context.Context, db *gorm.DB, row *WeeklyVolume) error
	// AddWeeklyVolume reports false when the row is no longer PENDING.
	AddWeeklyVolume(ctx context.Context, db *gorm.DB, memberID snowflake.ID, weekStart time.Time, side networkdomain.Position, amount int64, at time.Time) (bool, error)
	FindWeekly(ctx context.Context, db *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*WeeklyVolume, error)
	FindWeeklyForUpdate(ctx context.Context, db *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*WeeklyVolume, error)
	FindLatestProcessedBefore(ctx context.Context, db *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*WeeklyVolume, error)
	ListCloseCandidates(ctx context.Context, db *gorm.DB, weekStart time.Time) ([]snowflake.ID, error)
	CountProcessedAfter(ctx context.Context, db *gorm.DB, weekStart time.Time) (int64, error)
	CountPendingBefore(ctx context.Context, db *gorm.DB, weekStart time.Time) (int64, error)
	FindOldestPendingWeek(ctx context.Context, db *gorm.DB, before time.Time) (*time.Time, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, row *WeeklyVolume) (bool, error)
}
