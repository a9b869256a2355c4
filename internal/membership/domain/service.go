package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreatePending(ctx context.Context, req ActivateRequest) (*Membership, error)
	Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error)
	ChangePlan(ctx context.Context, memberID snowflake.ID, planCode string) (*ChangePlanResult, error)
	Expire(ctx context.Context, memberID snowflake.ID) (*Membership, error)
	Deactivate(ctx context.Context, memberID snowflake.ID, reason string) (*Membership, error)
	// ExpireDue expires ACTIVE memberships whose end date passed and returns
	// how many were expired.
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
	GetMembership(ctx context.Context, memberID snowflake.ID) (*Membership, error)
	ListHistory(ctx context.Context, memberID snowflake.ID) ([]MembershipHistory, error)
}
