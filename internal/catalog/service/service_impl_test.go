package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/catalog/repository"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/pkg/apperror"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, client *redis.Client) (catalogdomain.Service, func() *Service) {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&catalogdomain.Rank{}, &catalogdomain.Plan{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
		Redis: client,
	})
	return svc, func() *Service { return svc.(*Service) }
}

func TestSeedIsIdempotentAndOrdersRanks(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Seed(ctx))
	require.NoError(t, svc.Seed(ctx))

	ranks, err := svc.ListRanks(ctx)
	require.NoError(t, err)
	require.Len(t, ranks, len(catalogdomain.DefaultRanks()))
	for i := 1; i < len(ranks); i++ {
		assert.LessOrEqual(t, ranks[i-1].RequiredPoints, ranks[i].RequiredPoints)
	}
	assert.Equal(t, "BRONZE", ranks[0].Code)

	plans, err := svc.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, len(catalogdomain.DefaultPlans()))
}

func TestGetPlanByCode(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	require.NoError(t, svc.Seed(ctx))

	plan, err := svc.GetPlanByCode(ctx, " pro ")
	require.NoError(t, err)
	assert.Equal(t, "PRO", plan.Code)

	_, err = svc.GetPlanByCode(ctx, "MISSING")
	assert.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = svc.GetPlanByCode(ctx, "  ")
	assert.ErrorIs(t, err, catalogdomain.ErrInvalidPlanCode)
}

func TestRanksServedFromRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, impl := newTestService(t, client)
	ctx := context.Background()
	require.NoError(t, svc.Seed(ctx))

	first, err := svc.ListRanks(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("catalog:ranks:active"))

	require.NoError(t, impl().db.Exec("DELETE FROM ranks").Error)

	cached, err := svc.ListRanks(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(cached))
}
