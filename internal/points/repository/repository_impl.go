package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() pointsdomain.Repository {
	return &repo{}
}

func (r *repo) EnsureBalance(ctx context.Context, conn *gorm.DB, balance *pointsdomain.PointsBalance) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "member_id"}}, DoNothing: true}).
		Create(balance).Error
}

func (r *repo) FindBalance(ctx context.Context, conn *gorm.DB, memberID snowflake.ID) (*pointsdomain.PointsBalance, error) {
	return findBalance(conn.WithContext(ctx), memberID)
}

func (r *repo) FindBalanceForUpdate(ctx context.Context, conn *gorm.DB, memberID snowflake.ID) (*pointsdomain.PointsBalance, error) {
	return findBalance(db.ForUpdate(conn.WithContext(ctx)), memberID)
}

func findBalance(conn *gorm.DB, memberID snowflake.ID) (*pointsdomain.PointsBalance, error) {
	var balance pointsdomain.PointsBalance
	if err := conn.Where("member_id = ?", memberID).Limit(1).Find(&balance).Error; err != nil {
		return nil, err
	}
	if balance.ID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) ApplyCredit(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, amount int64, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE points_balances
		 SET available_points = available_points + ?,
		     total_earned_points = total_earned_points + ?,
		     updated_at = ?
		 WHERE member_id = ?`,
		amount,
		amount,
		at,
		memberID,
	).Error
}

func (r *repo) ApplyWithdrawal(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, amount int64, at time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE points_balances
		 SET available_points = available_points - ?,
		     total_withdrawn_points = total_withdrawn_points + ?,
		     updated_at = ?
		 WHERE member_id = ? AND available_points >= ?`,
		amount,
		amount,
		at,
		memberID,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) BindPlan(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, planID *snowflake.ID, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE points_balances SET plan_id = ?, updated_at = ? WHERE member_id = ?`,
		planID,
		at,
		memberID,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, conn *gorm.DB, txn *pointsdomain.PointsTransaction) error {
	return conn.WithContext(ctx).Create(txn).Error
}

func (r *repo) FindTransactionByReference(ctx context.Context, conn *gorm.DB, referenceKey string) (*pointsdomain.PointsTransaction, error) {
	var txn pointsdomain.PointsTransaction
	if err := conn.WithContext(ctx).Where("reference_key = ?", referenceKey).Limit(1).Find(&txn).Error; err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListTransactions(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, beforeID snowflake.ID, limit int) ([]pointsdomain.PointsTransaction, error) {
	query := conn.WithContext(ctx).Where("member_id = ?", memberID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var txns []pointsdomain.PointsTransaction
	err := query.Order("id DESC").Limit(limit).Find(&txns).Error
	return txns, err
}

func (r *repo) SumCredits(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, from, to time.Time) (int64, error) {
	var total int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM points_transactions
		 WHERE member_id = ? AND status = ? AND type IN (?, ?)
		   AND created_at >= ? AND created_at < ?`,
		memberID,
		pointsdomain.StatusCompleted,
		pointsdomain.TransactionBinaryCommission,
		pointsdomain.TransactionDirectBonus,
		from,
		to,
	).Scan(&total).Error
	return total, err
}
