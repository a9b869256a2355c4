package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
)

// MonthlyRankProgress is written once per member and month and never
// updated afterwards.
type MonthlyRankProgress struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	MemberID      snowflake.ID  `gorm:"not null;uniqueIndex:ux_monthly_rank_progress_member_period" json:"member_id"`
	PeriodDate    time.Time     `gorm:"not null;uniqueIndex:ux_monthly_rank_progress_member_period;index" json:"period_date"`
	CurrentRankID *snowflake.ID `json:"current_rank_id,omitempty"`
	HighestRankID *snowflake.ID `json:"highest_rank_id,omitempty"`
	MonthlyPoints int64         `gorm:"not null;default:0" json:"monthly_points"`
	LeftDirects   int           `gorm:"not null;default:0" json:"left_directs"`
	RightDirects  int           `gorm:"not null;default:0" json:"right_directs"`
	Promoted      bool          `gorm:"not null" json:"promoted"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
}

func (MonthlyRankProgress) TableName() string { return "monthly_rank_progress" }

type CurrentRank struct {
	MemberID      snowflake.ID        `json:"member_id"`
	PeriodDate    *time.Time          `json:"period_date,omitempty"`
	CurrentRank   *catalogdomain.Rank `json:"current_rank,omitempty"`
	HighestRank   *catalogdomain.Rank `json:"highest_rank,omitempty"`
	MonthlyPoints int64               `json:"monthly_points"`
	LeftDirects   int                 `json:"left_directs"`
	RightDirects  int                 `json:"right_directs"`
}

type Evaluation struct {
	Progress *MonthlyRankProgress `json:"progress"`
	Previous *catalogdomain.Rank  `json:"previous,omitempty"`
	Current  *catalogdomain.Rank  `json:"current,omitempty"`
	Highest  *catalogdomain.Rank  `json:"highest,omitempty"`
	Promoted bool                 `json:"promoted"`
	// Existing is set when the period had already been evaluated.
	Existing bool `json:"existing"`
}

type PeriodResult struct {
	PeriodStart time.Time `json:"period_start"`
	Evaluated   int       `json:"evaluated"`
	Promoted    int       `json:"promoted"`
}

// Qualifies reports whether the figures meet r. Both legs must reach the
// direct requirement on their own.
func Qualifies(r catalogdomain.Rank, points int64, leftDirects, rightDirects int) bool {
	return points >= r.RequiredPoints &&
		leftDirects >= r.RequiredDirects &&
		rightDirects >= r.RequiredDirects
}

// Evaluate returns the highest qualifying rank, or nil when none qualifies.
func Evaluate(ranks []catalogdomain.Rank, points int64, leftDirects, rightDirects int) *catalogdomain.Rank {
	var best *catalogdomain.Rank
	for i := range ranks {
		r := ranks[i]
		if !r.IsActive || !Qualifies(r, points, leftDirects, rightDirects) {
			continue
		}
		if best == nil || Higher(&r, best) {
			best = &r
		}
	}
	return best
}

// Higher orders ranks by required points, then id. A nil rank is below
// every rank.
func Higher(a, b *catalogdomain.Rank) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	case a.RequiredPoints != b.RequiredPoints:
		return a.RequiredPoints > b.RequiredPoints
	default:
		return a.ID > b.ID
	}
}
