package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() volumedomain.Repository {
	return &repo{}
}

func (r *repo) InsertActivity(ctx context.Context, conn *gorm.DB, activity *volumedomain.VolumeActivity) error {
	return conn.WithContext(ctx).Create(activity).Error
}

func (r *repo) FindActivityByReference(ctx context.Context, conn *gorm.DB, referenceKey string) (*volumedomain.VolumeActivity, error) {
	var activity volumedomain.VolumeActivity
	if err := conn.WithContext(ctx).Where("reference_key = ?", referenceKey).Limit(1).Find(&activity).Error; err != nil {
		return nil, err
	}
	if activity.ID == 0 {
		return nil, nil
	}
	return &activity, nil
}

func (r *repo) ListLegVolumes(ctx context.Context, conn *gorm.DB, activityID snowflake.ID) ([]volumedomain.LegVolume, error) {
	var rows []volumedomain.LegVolume
	err := conn.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("depth ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) InsertLegVolumes(ctx context.Context, conn *gorm.DB, rows []volumedomain.LegVolume) error {
	if len(rows) == 0 {
		return nil
	}
	return conn.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (r *repo) SumLegVolume(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, from, to time.Time) (int64, int64, error) {
	var sums struct {
		LeftSum  int64
		RightSum int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN side = ? THEN amount ELSE 0 END), 0) AS left_sum,
			COALESCE(SUM(CASE WHEN side = ? THEN amount ELSE 0 END), 0) AS right_sum
		 FROM leg_volumes
		 WHERE beneficiary_id = ? AND occurred_at >= ? AND occurred_at < ?`,
		networkdomain.PositionLeft,
		networkdomain.PositionRight,
		memberID,
		from,
		to,
	).Scan(&sums).Error
	return sums.LeftSum, sums.RightSum, err
}

func (r *repo) EnsureWeekly(ctx context.Context, conn *gorm.DB, row *volumedomain.WeeklyVolume) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}, {Name: "week_start_date"}},
			DoNothing: true,
		}).
		Create(row).Error
}

func (r *repo) AddWeeklyVolume(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, weekStart time.Time, side networkdomain.Position, amount int64, at time.Time) (bool, error) {
	column := "left_volume"
	if side == networkdomain.PositionRight {
		column = "right_volume"
	}
	res := conn.WithContext(ctx).Exec(
		`UPDATE weekly_volumes
		 SET `+column+` = `+column+` + ?, updated_at = ?
		 WHERE member_id = ? AND week_start_date = ? AND status = ?`,
		amount,
		at,
		memberID,
		weekStart,
		volumedomain.WeeklyPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindWeekly(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*volumedomain.WeeklyVolume, error) {
	return findWeekly(conn.WithContext(ctx), memberID, weekStart)
}

func (r *repo) FindWeeklyForUpdate(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*volumedomain.WeeklyVolume, error) {
	return findWeekly(db.ForUpdate(conn.WithContext(ctx)), memberID, weekStart)
}

func findWeekly(conn *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*volumedomain.WeeklyVolume, error) {
	var row volumedomain.WeeklyVolume
	err := conn.
		Where("member_id = ? AND week_start_date = ?", memberID, weekStart).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindLatestProcessedBefore(ctx context.Context, conn *gorm.DB, memberID snowflake.ID, weekStart time.Time) (*volumedomain.WeeklyVolume, error) {
	var row volumedomain.WeeklyVolume
	err := conn.WithContext(ctx).
		Where("member_id = ? AND status = ? AND week_start_date < ?", memberID, volumedomain.WeeklyProcessed, weekStart).
		Order("week_start_date DESC").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

// ListCloseCandidates returns members with open volume in the week plus
// members whose latest processed week carried volume forward.
func (r *repo) ListCloseCandidates(ctx context.Context, conn *gorm.DB, weekStart time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Raw(
		`SELECT member_id FROM weekly_volumes
		 WHERE week_start_date = ? AND status = ?
		 UNION
		 SELECT wv.member_id FROM weekly_volumes wv
		 WHERE wv.status = ? AND wv.carry_over_volume > 0 AND wv.week_start_date < ?
		   AND wv.week_start_date = (
			SELECT MAX(w2.week_start_date) FROM weekly_volumes w2
			WHERE w2.member_id = wv.member_id AND w2.status = ? AND w2.week_start_date < ?
		   )
		 ORDER BY member_id`,
		weekStart,
		volumedomain.WeeklyPending,
		volumedomain.WeeklyProcessed,
		weekStart,
		volumedomain.WeeklyProcessed,
		weekStart,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) CountProcessedAfter(ctx context.Context, conn *gorm.DB, weekStart time.Time) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&volumedomain.WeeklyVolume{}).
		Where("status = ? AND week_start_date > ?", volumedomain.WeeklyProcessed, weekStart).
		Count(&count).Error
	return count, err
}

func (r *repo) CountPendingBefore(ctx context.Context, conn *gorm.DB, weekStart time.Time) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&volumedomain.WeeklyVolume{}).
		Where("status = ? AND week_start_date < ?", volumedomain.WeeklyPending, weekStart).
		Count(&count).Error
	return count, err
}

// FindOldestPendingWeek returns the earliest week before the cutoff that
// still has PENDING rows.
func (r *repo) FindOldestPendingWeek(ctx context.Context, conn *gorm.DB, before time.Time) (*time.Time, error) {
	var rows []volumedomain.WeeklyVolume
	err := conn.WithContext(ctx).
		Select("week_start_date").
		Where("status = ? AND week_start_date < ?", volumedomain.WeeklyPending, before).
		Order("week_start_date ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	week := rows[0].WeekStartDate.UTC()
	return &week, nil
}

func (r *repo) MarkProcessed(ctx context.Context, conn *gorm.DB, row *volumedomain.WeeklyVolume) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&volumedomain.WeeklyVolume{}).
		Where("id = ? AND status = ?", row.ID, volumedomain.WeeklyPending).
		Updates(map[string]any{
			"left_volume":       row.LeftVolume,
			"right_volume":      row.RightVolume,
			"carry_in_left":     row.CarryInLeft,
			"carry_in_right":    row.CarryInRight,
			"status":            volumedomain.WeeklyProcessed,
			"paid_amount":       row.PaidAmount,
			"selected_side":     row.SelectedSide,
			"carry_over_left":   row.CarryOverLeft,
			"carry_over_right":  row.CarryOverRight,
			"carry_over_volume": row.CarryOverVolume,
			"commission_points": row.CommissionPoints,
			"processed_at":      row.ProcessedAt,
			"updated_at":        row.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
