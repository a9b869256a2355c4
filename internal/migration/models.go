package migration

import (
	"fmt"

	"github.com/smallbiznis/binaryplan/internal/aggregation"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/events"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"gorm.io/gorm"
)

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{
		&catalogdomain.Rank{},
		&catalogdomain.Plan{},
		&networkdomain.Member{},
		&membershipdomain.Membership{},
		&membershipdomain.MembershipHistory{},
		&pointsdomain.PointsBalance{},
		&pointsdomain.PointsTransaction{},
		&volumedomain.VolumeActivity{},
		&volumedomain.LegVolume{},
		&volumedomain.WeeklyVolume{},
		&rankdomain.MonthlyRankProgress{},
		&aggregation.Run{},
		&aggregation.Gate{},
		&events.OutboxEvent{},
	}
}

// AutoMigrate creates the schema from the gorm models. It backs the sqlite
// and mysql dialects, which the embedded SQL does not target.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
