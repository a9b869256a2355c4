package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, m *Membership) error
	FindByStatusForUpdate(ctx context.Context, db *gorm.DB, memberID snowflake.ID, status Status) (*Membership, error)
	FindLatest(ctx context.Context, db *gorm.DB, memberID snowflake.ID) (*Membership, error)
	// Transition writes m when its stored status still equals from.
	Transition(ctx context.Context, db *gorm.DB, m *Membership, from Status) (bool, error)
	InsertHistory(ctx context.Context, db *gorm.DB, h *MembershipHistory) error
	ListHistory(ctx context.Context, db *gorm.DB, memberID snowflake.ID) ([]MembershipHistory, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
}
