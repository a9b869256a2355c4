package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	RecordActivity(ctx context.Context, req RecordActivityRequest) (*RecordActivityResult, error)
	RecordActivityTx(ctx context.Context, tx *gorm.DB, req RecordActivityRequest) (*RecordActivityResult, error)
	CloseWeek(ctx context.Context, weekStart time.Time) (*WeeklyCloseResult, error)
	// CloseEndedWeeks closes every ended week still open, oldest first,
	// finishing with the week before the current one.
	CloseEndedWeeks(ctx context.Context) ([]*WeeklyCloseResult, error)
	GetWeeklyVolume(ctx context.Context, memberID snowflake.ID, weekStart time.Time) (*WeeklyVolume, error)
	GetMonthlyVolume(ctx context.Context, memberID snowflake.ID, monthStart time.Time) (*MonthlyVolume, error)
	// MonthlyAggregate reads within tx, or the base connection when tx is nil.
	MonthlyAggregate(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, monthStart time.Time) (*MonthlyVolume, error)
	// Location is the timezone period boundaries are computed in.
	Location() *time.Location
}
