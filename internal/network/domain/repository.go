package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, member *Member) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Member, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Member, error)
	FindByReferralCode(ctx context.Context, db *gorm.DB, code string) (*Member, error)
	FindByReferralCodeForUpdate(ctx context.Context, db *gorm.DB, code string) (*Member, error)
	ExistsByEmail(ctx context.Context, db *gorm.DB, email string) (bool, error)
	// ClaimChildSlot points the parent's empty slot at childID. It reports
	// false when the slot is no longer empty.
	ClaimChildSlot(ctx context.Context, db *gorm.DB, parentID snowflake.ID, side Position, childID snowflake.ID, at time.Time) (bool, error)
	SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) error
	ListAncestors(ctx context.Context, db *gorm.DB, id snowflake.ID, maxDepth int) ([]Ancestor, error)
	CountSubtree(ctx context.Context, db *gorm.DB, id snowflake.ID, side Position) (int64, error)
	CountDirectsByLeg(ctx context.Context, db *gorm.DB, referralCode string, registeredBefore time.Time) (DirectCounts, error)
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, registeredBefore time.Time, limit int) ([]snowflake.ID, error)
}
