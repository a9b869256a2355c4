package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	EvaluateMember(ctx context.Context, memberID snowflake.ID, monthStart time.Time) (*Evaluation, error)
	// EvaluatePeriod evaluates every member registered before the month
	// ended. Only one run per month is allowed.
	EvaluatePeriod(ctx context.Context, monthStart time.Time) (*PeriodResult, error)
	GetCurrentRank(ctx context.Context, memberID snowflake.ID) (*CurrentRank, error)
	ListProgress(ctx context.Context, memberID snowflake.ID, limit int) ([]MonthlyRankProgress, error)
}
