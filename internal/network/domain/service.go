package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error)
	// PlaceMemberTx inserts member into the tree inside the caller's transaction.
	PlaceMemberTx(ctx context.Context, tx *gorm.DB, member *Member, referrerCode string, preferred Position) (Placement, error)
	GetMember(ctx context.Context, id snowflake.ID) (*Member, error)
	GetMemberTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Member, error)
	GetByReferralCode(ctx context.Context, code string) (*Member, error)
	GetByReferralCodeTx(ctx context.Context, tx *gorm.DB, code string) (*Member, error)
	ListAncestors(ctx context.Context, id snowflake.ID, maxDepth int) ([]Ancestor, error)
	ListAncestorsTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, maxDepth int) ([]Ancestor, error)
	CountDownline(ctx context.Context, id snowflake.ID) (DownlineCounts, error)
	CountDirects(ctx context.Context, tx *gorm.DB, id snowflake.ID, registeredBefore time.Time) (DirectCounts, error)
	SetActiveTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, active bool) error
	// ListMemberIDs pages through members registered before the cutoff in id order.
	ListMemberIDs(ctx context.Context, afterID snowflake.ID, registeredBefore time.Time, limit int) ([]snowflake.ID, error)
}
