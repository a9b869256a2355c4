package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() catalogdomain.Repository {
	return &repo{}
}

func (r *repo) ListActiveRanks(ctx context.Context, db *gorm.DB) ([]catalogdomain.Rank, error) {
	var ranks []catalogdomain.Rank
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, required_points, required_directs, is_active, created_at
		 FROM ranks WHERE is_active = ?
		 ORDER BY required_points ASC, id ASC`,
		true,
	).Scan(&ranks).Error
	return ranks, err
}

func (r *repo) FindRankByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*catalogdomain.Rank, error) {
	return r.findRank(ctx, db, "id = ?", id)
}

func (r *repo) FindRankByCode(ctx context.Context, db *gorm.DB, code string) (*catalogdomain.Rank, error) {
	return r.findRank(ctx, db, "code = ?", code)
}

func (r *repo) findRank(ctx context.Context, db *gorm.DB, where string, arg any) (*catalogdomain.Rank, error) {
	var rank catalogdomain.Rank
	err := db.WithContext(ctx).Where(where, arg).Limit(1).Find(&rank).Error
	if err != nil {
		return nil, err
	}
	if rank.ID == 0 {
		return nil, nil
	}
	return &rank, nil
}

func (r *repo) ListActivePlans(ctx context.Context, db *gorm.DB) ([]catalogdomain.Plan, error) {
	var plans []catalogdomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, price, points, direct_bonus_percent, duration_days,
		 minimum_reconsumption_amount, is_active, created_at
		 FROM plans WHERE is_active = ?
		 ORDER BY price ASC, id ASC`,
		true,
	).Scan(&plans).Error
	return plans, err
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*catalogdomain.Plan, error) {
	return r.findPlan(ctx, db, "id = ?", id)
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*catalogdomain.Plan, error) {
	return r.findPlan(ctx, db, "code = ?", code)
}

func (r *repo) findPlan(ctx context.Context, db *gorm.DB, where string, arg any) (*catalogdomain.Plan, error) {
	var plan catalogdomain.Plan
	err := db.WithContext(ctx).Where(where, arg).Limit(1).Find(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) InsertRankIfAbsent(ctx context.Context, db *gorm.DB, rank *catalogdomain.Rank) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(rank)
	return res.RowsAffected > 0, res.Error
}

func (r *repo) InsertPlanIfAbsent(ctx context.Context, db *gorm.DB, plan *catalogdomain.Plan) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(plan)
	return res.RowsAffected > 0, res.Error
}
