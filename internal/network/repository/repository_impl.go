package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() networkdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, member *networkdomain.Member) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO members (
			id, email, referral_code, referrer_code, parent_id, position, left_child_id, right_child_id,
			referrer_leg, is_active, role, first_name, last_name, phone, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.Email,
		member.ReferralCode,
		member.ReferrerCode,
		member.ParentID,
		member.Position,
		member.LeftChildID,
		member.RightChildID,
		member.ReferrerLeg,
		member.IsActive,
		member.Role,
		member.FirstName,
		member.LastName,
		member.Phone,
		member.CreatedAt,
		member.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*networkdomain.Member, error) {
	return r.find(conn.WithContext(ctx), "id = ?", id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*networkdomain.Member, error) {
	return r.find(db.ForUpdate(conn.WithContext(ctx)), "id = ?", id)
}

func (r *repo) FindByReferralCode(ctx context.Context, conn *gorm.DB, code string) (*networkdomain.Member, error) {
	return r.find(conn.WithContext(ctx), "referral_code = ?", code)
}

func (r *repo) FindByReferralCodeForUpdate(ctx context.Context, conn *gorm.DB, code string) (*networkdomain.Member, error) {
	return r.find(db.ForUpdate(conn.WithContext(ctx)), "referral_code = ?", code)
}

func (r *repo) find(conn *gorm.DB, where string, arg any) (*networkdomain.Member, error) {
	var member networkdomain.Member
	if err := conn.Where(where, arg).Limit(1).Find(&member).Error; err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func (r *repo) ExistsByEmail(ctx context.Context, conn *gorm.DB, email string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(`SELECT COUNT(1) FROM members WHERE email = ?`, email).Scan(&count).Error
	return count > 0, err
}

func (r *repo) ClaimChildSlot(ctx context.Context, conn *gorm.DB, parentID snowflake.ID, side networkdomain.Position, childID snowflake.ID, at time.Time) (bool, error) {
	column, err := slotColumn(side)
	if err != nil {
		return false, err
	}
	res := conn.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE members SET %s = ?, updated_at = ? WHERE id = ? AND %s IS NULL`, column, column),
		childID,
		at,
		parentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) SetActive(ctx context.Context, conn *gorm.DB, id snowflake.ID, active bool, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE members SET is_active = ?, updated_at = ? WHERE id = ?`,
		active,
		at,
		id,
	).Error
}

// ListAncestors walks parent links upward. Each row names the ancestor and
// the ancestor's leg that contains id; depth 1 is the parent.
func (r *repo) ListAncestors(ctx context.Context, conn *gorm.DB, id snowflake.ID, maxDepth int) ([]networkdomain.Ancestor, error) {
	if maxDepth <= 0 {
		maxDepth = 1 << 30
	}
	var rows []struct {
		MemberID snowflake.ID
		Side     networkdomain.Position
		Depth    int
	}
	err := conn.WithContext(ctx).Raw(
		`WITH RECURSIVE chain (id, parent_id, position, depth) AS (
			SELECT id, parent_id, position, 0 FROM members WHERE id = ?
			UNION ALL
			SELECT m.id, m.parent_id, m.position, c.depth + 1
			FROM members m JOIN chain c ON m.id = c.parent_id
			WHERE c.depth + 1 < ?
		)
		SELECT parent_id AS member_id, position AS side, depth + 1 AS depth
		FROM chain WHERE parent_id IS NOT NULL
		ORDER BY depth ASC`,
		id,
		maxDepth,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	ancestors := make([]networkdomain.Ancestor, 0, len(rows))
	for _, row := range rows {
		ancestors = append(ancestors, networkdomain.Ancestor{MemberID: row.MemberID, Side: row.Side, Depth: row.Depth})
	}
	return ancestors, nil
}

func (r *repo) CountSubtree(ctx context.Context, conn *gorm.DB, id snowflake.ID, side networkdomain.Position) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`WITH RECURSIVE sub (id) AS (
			SELECT id FROM members WHERE parent_id = ? AND position = ?
			UNION ALL
			SELECT m.id FROM members m JOIN sub s ON m.parent_id = s.id
		)
		SELECT COUNT(1) FROM sub`,
		id,
		side,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountDirectsByLeg(ctx context.Context, conn *gorm.DB, referralCode string, registeredBefore time.Time) (networkdomain.DirectCounts, error) {
	var rows []struct {
		ReferrerLeg networkdomain.Position
		Total       int
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT referrer_leg, COUNT(1) AS total
		 FROM members
		 WHERE referrer_code = ? AND is_active = ? AND created_at < ?
		 GROUP BY referrer_leg`,
		referralCode,
		true,
		registeredBefore.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return networkdomain.DirectCounts{}, err
	}

	var counts networkdomain.DirectCounts
	for _, row := range rows {
		switch row.ReferrerLeg {
		case networkdomain.PositionLeft:
			counts.Left = row.Total
		case networkdomain.PositionRight:
			counts.Right = row.Total
		}
	}
	return counts, nil
}

func slotColumn(side networkdomain.Position) (string, error) {
	switch side {
	case networkdomain.PositionLeft:
		return "left_child_id", nil
	case networkdomain.PositionRight:
		return "right_child_id", nil
	default:
		return "", networkdomain.ErrInvalidPosition
	}
}

func (r *repo) ListIDs(ctx context.Context, conn *gorm.DB, afterID snowflake.ID, registeredBefore time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).
		Model(&networkdomain.Member{}).
		Where("id > ? AND created_at < ?", afterID, registeredBefore).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
