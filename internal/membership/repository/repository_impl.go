package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() membershipdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, m *membershipdomain.Membership) error {
	return conn.WithContext(ctx).Create(m).Error
}

func (r *repo) FindByStatusForUpdate(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, status membershipdomain.Status) (*membershipdomain.Membership, error) {
	var m membershipdomain.Membership
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("member_id = ? AND status = ?", memberID, status).
		Order("created_at DESC").
		Limit(1).
		Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

func (r *repo) FindLatest(ctx context.Context, conn *gorm.DB, memberID snowflake.ID) (*membershipdomain.Membership, error) {
	var m membershipdomain.Membership
	err := conn.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("updated_at DESC, id DESC").
		Limit(1).
		Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

func (r *repo) Transition(ctx context.Context, conn *gorm.DB, m *membershipdomain.Membership, from membershipdomain.Status) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&membershipdomain.Membership{}).
		Where("id = ? AND status = ?", m.ID, from).
		Updates(map[string]any{
			"plan_id":                      m.PlanID,
			"status":                       m.Status,
			"start_date":                   m.StartDate,
			"end_date":                     m.EndDate,
			"auto_renewal":                 m.AutoRenewal,
			"minimum_reconsumption_amount": m.MinimumReconsumptionAmount,
			"updated_at":                   m.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertHistory(ctx context.Context, conn *gorm.DB, h *membershipdomain.MembershipHistory) error {
	return conn.WithContext(ctx).Create(h).Error
}

func (r *repo) ListHistory(ctx context.Context, conn *gorm.DB, memberID snowflake.ID) ([]membershipdomain.MembershipHistory, error) {
	var rows []membershipdomain.MembershipHistory
	err := conn.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).
		Model(&membershipdomain.Membership{}).
		Where("status = ? AND end_date <= ?", membershipdomain.StatusActive, now.UTC()).
		Order("end_date ASC").
		Limit(limit).
		Pluck("member_id", &ids).Error
	return ids, err
}
