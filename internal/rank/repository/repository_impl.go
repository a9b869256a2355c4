package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() rankdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, progress *rankdomain.MonthlyRankProgress) error {
	return db.WithContext(ctx).Create(progress).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, memberID snowflake.ID, period time.Time) (*rankdomain.MonthlyRankProgress, error) {
	return first(db.WithContext(ctx).Where("member_id = ? AND period_date = ?", memberID, period))
}

func (r *repo) FindLatestBefore(ctx context.Context, db *gorm.DB, memberID snowflake.ID, period time.Time) (*rankdomain.MonthlyRankProgress, error) {
	return first(db.WithContext(ctx).
		Where("member_id = ? AND period_date < ?", memberID, period).
		Order("period_date DESC"))
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*rankdomain.MonthlyRankProgress, error) {
	return first(db.WithContext(ctx).Where("member_id = ?", memberID).Order("period_date DESC"))
}

func (r *repo) ExistsAfter(ctx context.Context, db *gorm.DB, memberID snowflake.ID, period time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&rankdomain.MonthlyRankProgress{}).
		Where("member_id = ? AND period_date > ?", memberID, period).
		Count(&count).Error
	return count > 0, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, memberID snowflake.ID, limit int) ([]rankdomain.MonthlyRankProgress, error) {
	var rows []rankdomain.MonthlyRankProgress
	err := db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("period_date DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func first(query *gorm.DB) (*rankdomain.MonthlyRankProgress, error) {
	var progress rankdomain.MonthlyRankProgress
	if err := query.Limit(1).Find(&progress).Error; err != nil {
		return nil, err
	}
	if progress.ID == 0 {
		return nil, nil
	}
	return &progress, nil
}
