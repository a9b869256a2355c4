package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/binaryplan/internal/catalog/repository"
	catalogsvc "github.com/smallbiznis/binaryplan/internal/catalog/service"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/internal/events"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	networkrepo "github.com/smallbiznis/binaryplan/internal/network/repository"
	networksvc "github.com/smallbiznis/binaryplan/internal/network/service"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	pointsrepo "github.com/smallbiznis/binaryplan/internal/points/repository"
	pointssvc "github.com/smallbiznis/binaryplan/internal/points/service"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	"github.com/smallbiznis/binaryplan/internal/rank/repository"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	volumerepo "github.com/smallbiznis/binaryplan/internal/volume/repository"
	volumesvc "github.com/smallbiznis/binaryplan/internal/volume/service"
	"github.com/smallbiznis/binaryplan/pkg/apperror"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	january  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	february = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	march    = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	april    = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	db      *gorm.DB
	svc     rankdomain.Service
	members networkdomain.Service
	points  pointsdomain.Service
	clock   *clock.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&catalogdomain.Rank{},
		&catalogdomain.Plan{},
		&networkdomain.Member{},
		&pointsdomain.PointsBalance{},
		&pointsdomain.PointsTransaction{},
		&volumedomain.VolumeActivity{},
		&volumedomain.LegVolume{},
		&volumedomain.WeeklyVolume{},
		&rankdomain.MonthlyRankProgress{},
		&aggregation.Run{},
		&aggregation.Gate{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(january.AddDate(0, 0, 5))
	log := zap.NewNop()
	outbox := events.NewOutbox(events.OutboxParams{DB: conn, Log: log, GenID: node, Clock: clk})
	retry := db.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	runs := aggregation.NewRuns(aggregation.Params{DB: conn, GenID: node, Clock: clk})

	catalog := catalogsvc.NewService(catalogsvc.Params{DB: conn, Log: log, GenID: node, Clock: clk, Repo: catalogrepo.Provide()})
	require.NoError(t, catalog.Seed(context.Background()))

	members := networksvc.NewService(networksvc.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo: networkrepo.Provide(), Retry: retry, Publisher: outbox,
	})
	points := pointssvc.NewService(pointssvc.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo: pointsrepo.Provide(), Members: members, Retry: retry, Publisher: outbox,
	})
	volume := volumesvc.NewService(volumesvc.Params{
		DB: conn, Log: log, GenID: node, Clock: clk,
		Repo: volumerepo.Provide(), Members: members, Points: points, Runs: runs,
		Compensation: config.NewStaticCompensationHolder(config.DefaultCompensationConfig()),
		Retry:        retry,
		Publisher:    outbox,
	})
	svc := NewService(Params{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      repository.Provide(),
		Catalog:   catalog,
		Members:   members,
		Volume:    volume,
		Runs:      runs,
		Retry:     retry,
		Publisher: outbox,
	})
	return fixture{db: conn, svc: svc, members: members, points: points, clock: clk}
}

// network registers A with two active directs on each leg.
func (f fixture) network(t *testing.T) (snowflake.ID, []snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	register := func(email, referrer string, pos networkdomain.Position) snowflake.ID {
		res, err := f.members.Register(ctx, networkdomain.RegisterRequest{Email: email, ReferrerCode: referrer, PreferredPosition: pos})
		require.NoError(t, err)
		return res.Member.ID
	}
	a := register("a@example.com", "", "")
	root, err := f.members.GetMember(ctx, a)
	require.NoError(t, err)

	downline := []snowflake.ID{
		register("b@example.com", root.ReferralCode, networkdomain.PositionLeft),
		register("c@example.com", root.ReferralCode, networkdomain.PositionRight),
		register("d@example.com", root.ReferralCode, networkdomain.PositionLeft),
		register("e@example.com", root.ReferralCode, networkdomain.PositionRight),
	}
	require.NoError(t, f.db.Model(&networkdomain.Member{}).Where("id IN ?", downline).Update("is_active", true).Error)
	return a, downline
}

func (f fixture) earn(t *testing.T, memberID snowflake.ID, at time.Time, amount int64) {
	t.Helper()
	f.clock.Set(at)
	_, err := f.points.Credit(context.Background(), pointsdomain.CreditRequest{
		MemberID: memberID,
		Type:     pointsdomain.TransactionDirectBonus,
		Amount:   amount,
	})
	require.NoError(t, err)
}

func TestHighestRankNeverDecreases(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, _ := f.network(t)

	f.earn(t, a, january.AddDate(0, 0, 9), 600)
	f.clock.Set(february.Add(time.Hour))
	jan, err := f.svc.EvaluateMember(ctx, a, january)
	require.NoError(t, err)
	require.NotNil(t, jan.Current)
	assert.Equal(t, "SILVER", jan.Current.Code)
	assert.True(t, jan.Promoted)

	f.earn(t, a, february.AddDate(0, 0, 3), 150)
	f.clock.Set(march.Add(time.Hour))
	feb, err := f.svc.EvaluateMember(ctx, a, february)
	require.NoError(t, err)
	assert.Equal(t, "BRONZE", feb.Current.Code)
	assert.Equal(t, "SILVER", feb.Highest.Code)
	assert.False(t, feb.Promoted)

	f.clock.Set(april.Add(time.Hour))
	mar, err := f.svc.EvaluateMember(ctx, a, march)
	require.NoError(t, err)
	assert.Nil(t, mar.Current)
	assert.Equal(t, "SILVER", mar.Highest.Code)

	current, err := f.svc.GetCurrentRank(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, current.CurrentRank)
	require.NotNil(t, current.HighestRank)
	assert.Equal(t, "SILVER", current.HighestRank.Code)
	assert.Zero(t, current.MonthlyPoints)

	history, err := f.svc.ListProgress(ctx, a, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].HighestRankID, history[i].HighestRankID)
	}

	var achieved int64
	require.NoError(t, f.db.Model(&events.OutboxEvent{}).Where("event_type = ?", events.EventRankAchieved).Count(&achieved).Error)
	assert.Equal(t, int64(1), achieved)
}

func TestHighestRankSurvivesRetiredRank(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, _ := f.network(t)

	f.earn(t, a, january.AddDate(0, 0, 9), 600)
	f.clock.Set(february.Add(time.Hour))
	jan, err := f.svc.EvaluateMember(ctx, a, january)
	require.NoError(t, err)
	require.Equal(t, "SILVER", jan.Current.Code)

	require.NoError(t, f.db.Model(&catalogdomain.Rank{}).Where("code = ?", "SILVER").Update("is_active", false).Error)

	f.earn(t, a, february.AddDate(0, 0, 3), 150)
	f.clock.Set(march.Add(time.Hour))
	feb, err := f.svc.EvaluateMember(ctx, a, february)
	require.NoError(t, err)
	assert.Equal(t, "BRONZE", feb.Current.Code)
	require.NotNil(t, feb.Highest)
	assert.Equal(t, "SILVER", feb.Highest.Code)

	// A third active direct on each leg opens GOLD.
	root, err := f.members.GetMember(ctx, a)
	require.NoError(t, err)
	var extra []snowflake.ID
	for _, r := range []struct {
		email string
		pos   networkdomain.Position
	}{{"f@example.com", networkdomain.PositionLeft}, {"g@example.com", networkdomain.PositionRight}} {
		res, err := f.members.Register(ctx, networkdomain.RegisterRequest{Email: r.email, ReferrerCode: root.ReferralCode, PreferredPosition: r.pos})
		require.NoError(t, err)
		extra = append(extra, res.Member.ID)
	}
	require.NoError(t, f.db.Model(&networkdomain.Member{}).Where("id IN ?", extra).Update("is_active", true).Error)

	f.earn(t, a, march.AddDate(0, 0, 3), 2000)
	f.clock.Set(april.Add(time.Hour))
	mar, err := f.svc.EvaluateMember(ctx, a, march)
	require.NoError(t, err)
	require.NotNil(t, mar.Current)
	assert.Equal(t, "GOLD", mar.Current.Code)
	assert.True(t, mar.Promoted)
	require.NotNil(t, mar.Highest)
	assert.Equal(t, "GOLD", mar.Highest.Code)
	assert.Equal(t, mar.Progress.CurrentRankID, mar.Progress.HighestRankID)

	current, err := f.svc.GetCurrentRank(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, current.HighestRank)
	assert.Equal(t, "GOLD", current.HighestRank.Code)
}

func TestSilverNeedsBothLegs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, downline := f.network(t)
	// Only one active direct on the right leg.
	require.NoError(t, f.db.Model(&networkdomain.Member{}).Where("id = ?", downline[3]).Update("is_active", false).Error)
	f.earn(t, a, january.AddDate(0, 0, 9), 600)
	f.clock.Set(february)

	eval, err := f.svc.EvaluateMember(ctx, a, january)
	require.NoError(t, err)
	assert.Equal(t, 2, eval.Progress.LeftDirects)
	assert.Equal(t, 1, eval.Progress.RightDirects)
	require.NotNil(t, eval.Current)
	assert.Equal(t, "BRONZE", eval.Current.Code)
}

func TestEvaluateMemberIsOncePerPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, _ := f.network(t)
	f.earn(t, a, january.AddDate(0, 0, 9), 600)
	f.clock.Set(february)

	first, err := f.svc.EvaluateMember(ctx, a, january)
	require.NoError(t, err)
	f.earn(t, a, january.AddDate(0, 0, 20), 5000)
	f.clock.Set(february)

	again, err := f.svc.EvaluateMember(ctx, a, january)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Progress.ID, again.Progress.ID)
	assert.Equal(t, int64(600), again.Progress.MonthlyPoints)
}

func TestEvaluatePeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, downline := f.network(t)
	f.earn(t, a, january.AddDate(0, 0, 9), 120)

	_, err := f.svc.EvaluatePeriod(ctx, january)
	assert.ErrorIs(t, err, rankdomain.ErrPeriodNotEnded)
	_, err = f.svc.EvaluatePeriod(ctx, january.Add(time.Hour))
	assert.ErrorIs(t, err, volumedomain.ErrInvalidMonthStart)

	f.clock.Set(february.Add(10 * time.Minute))
	res, err := f.svc.EvaluatePeriod(ctx, january)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Evaluated)
	assert.Equal(t, 1, res.Promoted)

	_, err = f.svc.EvaluatePeriod(ctx, january)
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	f.clock.Set(march)
	_, err = f.svc.EvaluateMember(ctx, downline[0], february)
	require.NoError(t, err)
	_, err = f.svc.EvaluateMember(ctx, downline[0], january)
	require.NoError(t, err, "january already stored by the period run")

	res, err = f.svc.EvaluatePeriod(ctx, february)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Evaluated)
}

func TestEvaluateRejectsEarlierPeriodAfterLater(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, _ := f.network(t)
	f.clock.Set(march)

	_, err := f.svc.EvaluateMember(ctx, a, february)
	require.NoError(t, err)
	_, err = f.svc.EvaluateMember(ctx, a, january)
	assert.ErrorIs(t, err, rankdomain.ErrLaterPeriodEvaluated)
}

func TestGetCurrentRankWithoutHistory(t *testing.T) {
	f := setup(t)
	a, _ := f.network(t)
	current, err := f.svc.GetCurrentRank(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, current.PeriodDate)
	assert.Nil(t, current.CurrentRank)

	_, err = f.svc.GetCurrentRank(context.Background(), 99)
	assert.ErrorIs(t, err, networkdomain.ErrMemberNotFound)
}
