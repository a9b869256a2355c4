package service

import (
	"context"
	"sync"
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
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	"github.com/smallbiznis/binaryplan/internal/membership/repository"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	networkrepo "github.com/smallbiznis/binaryplan/internal/network/repository"
	networksvc "github.com/smallbiznis/binaryplan/internal/network/service"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	pointsrepo "github.com/smallbiznis/binaryplan/internal/points/repository"
	pointssvc "github.com/smallbiznis/binaryplan/internal/points/service"
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

var monday = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	svc     membershipdomain.Service
	members networkdomain.Service
	points  pointsdomain.Service
	volume  volumedomain.Service
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
		&membershipdomain.Membership{},
		&membershipdomain.MembershipHistory{},
		&pointsdomain.PointsBalance{},
		&pointsdomain.PointsTransaction{},
		&volumedomain.VolumeActivity{},
		&volumedomain.LegVolume{},
		&volumedomain.WeeklyVolume{},
		&aggregation.Run{},
		&aggregation.Gate{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(monday)
	log := zap.NewNop()
	outbox := events.NewOutbox(events.OutboxParams{DB: conn, Log: log, GenID: node, Clock: clk})
	retry := db.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

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
		Repo: volumerepo.Provide(), Members: members, Points: points,
		Runs:         aggregation.NewRuns(aggregation.Params{DB: conn, GenID: node, Clock: clk}),
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
		Points:    points,
		Volume:    volume,
		Retry:     retry,
		Publisher: outbox,
	})
	return fixture{db: conn, svc: svc, members: members, points: points, volume: volume, clock: clk}
}

func (f fixture) register(t *testing.T, email, referrer string) *networkdomain.Member {
	t.Helper()
	res, err := f.members.Register(context.Background(), networkdomain.RegisterRequest{
		Email: email, ReferrerCode: referrer, PreferredPosition: networkdomain.PositionLeft,
	})
	require.NoError(t, err)
	return res.Member
}

func (f fixture) activate(t *testing.T, memberID snowflake.ID, plan string) *membershipdomain.ActivationResult {
	t.Helper()
	res, err := f.svc.Activate(context.Background(), membershipdomain.ActivateRequest{MemberID: memberID, PlanCode: plan})
	require.NoError(t, err)
	return res
}

func (f fixture) actions(t *testing.T, memberID snowflake.ID) []membershipdomain.Action {
	t.Helper()
	history, err := f.svc.ListHistory(context.Background(), memberID)
	require.NoError(t, err)
	out := make([]membershipdomain.Action, 0, len(history))
	for _, h := range history {
		out = append(out, h.Action)
	}
	return out
}

func TestActivateSideEffects(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.register(t, "a@example.com", "")
	b := f.register(t, "b@example.com", a.ReferralCode)

	resA := f.activate(t, a.ID, "BASIC")
	assert.Equal(t, membershipdomain.StatusActive, resA.Membership.Status)
	require.NotNil(t, resA.Membership.EndDate)
	assert.Equal(t, monday.AddDate(0, 0, 30), resA.Membership.EndDate.UTC())
	assert.Nil(t, resA.ReferrerID)

	resB := f.activate(t, b.ID, "pro")
	require.NotNil(t, resB.ReferrerID)
	assert.Equal(t, a.ID, *resB.ReferrerID)
	assert.Equal(t, int64(36), resB.DirectBonus)

	member, err := f.members.GetMember(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, member.IsActive)

	balance, err := f.points.GetBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(36), balance.AvailablePoints)
	require.NotNil(t, balance.PlanID)
	assert.Equal(t, resA.Membership.PlanID, *balance.PlanID)

	week, err := f.volume.GetWeeklyVolume(ctx, a.ID, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(300), week.LeftVolume)

	assert.Equal(t, []membershipdomain.Action{membershipdomain.ActionCreated, membershipdomain.ActionActivated}, f.actions(t, b.ID))

	var activated int64
	require.NoError(t, f.db.Model(&events.OutboxEvent{}).Where("event_type = ?", events.EventMembershipActivated).Count(&activated).Error)
	assert.Equal(t, int64(2), activated)
}

func TestSecondActivationConflicts(t *testing.T) {
	f := setup(t)
	a := f.register(t, "a@example.com", "")
	f.activate(t, a.ID, "BASIC")

	_, err := f.svc.Activate(context.Background(), membershipdomain.ActivateRequest{MemberID: a.ID, PlanCode: "PRO"})
	require.ErrorIs(t, err, membershipdomain.ErrAlreadyActive)
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	var active int64
	require.NoError(t, f.db.Model(&membershipdomain.Membership{}).
		Where("member_id = ? AND status = ?", a.ID, membershipdomain.StatusActive).Count(&active).Error)
	assert.Equal(t, int64(1), active)
}

func TestConcurrentActivationsLeaveOneActive(t *testing.T) {
	f := setup(t)
	a := f.register(t, "a@example.com", "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Activate(context.Background(), membershipdomain.ActivateRequest{MemberID: a.ID, PlanCode: "BASIC"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, membershipdomain.ErrAlreadyActive)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestPendingThenActivateReusesRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.register(t, "a@example.com", "")

	pending, err := f.svc.CreatePending(ctx, membershipdomain.ActivateRequest{MemberID: a.ID, PlanCode: "BASIC", AutoRenewal: true})
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusPending, pending.Status)

	_, err = f.svc.CreatePending(ctx, membershipdomain.ActivateRequest{MemberID: a.ID, PlanCode: "BASIC"})
	assert.ErrorIs(t, err, membershipdomain.ErrPendingExists)

	res := f.activate(t, a.ID, "ELITE")
	assert.Equal(t, pending.ID, res.Membership.ID)
	assert.True(t, res.Membership.AutoRenewal)
	assert.Equal(t, int64(200), res.Membership.MinimumReconsumptionAmount)
}

func TestChangePlanUpgradeAndDowngrade(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.register(t, "a@example.com", "")
	b := f.register(t, "b@example.com", a.ReferralCode)
	f.activate(t, b.ID, "PRO")

	up, err := f.svc.ChangePlan(ctx, b.ID, "ELITE")
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.ActionUpgrade, up.Action)

	week, err := f.volume.GetWeeklyVolume(ctx, a.ID, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), week.LeftVolume)

	down, err := f.svc.ChangePlan(ctx, b.ID, "BASIC")
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.ActionDowngrade, down.Action)
	assert.Equal(t, up.Membership.ID, down.Membership.ID)

	_, err = f.svc.ChangePlan(ctx, b.ID, "BASIC")
	assert.ErrorIs(t, err, membershipdomain.ErrPlanUnchanged)

	_, err = f.svc.ChangePlan(ctx, a.ID, "PRO")
	assert.ErrorIs(t, err, membershipdomain.ErrNoActiveMembership)

	_, err = f.svc.ChangePlan(ctx, b.ID, "GOLDEN")
	assert.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)

	history, err := f.svc.ListHistory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	last := history[3]
	assert.Equal(t, membershipdomain.ActionDowngrade, last.Action)
	assert.NotEqual(t, last.Before["plan_id"], last.After["plan_id"])
}

func TestExpireDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.register(t, "a@example.com", "")
	b := f.register(t, "b@example.com", a.ReferralCode)
	f.activate(t, a.ID, "BASIC")
	f.clock.Advance(48 * time.Hour)
	f.activate(t, b.ID, "BASIC")

	n, err := f.svc.ExpireDue(ctx, monday.AddDate(0, 0, 31), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := f.svc.GetMembership(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusExpired, m.Status)
	member, err := f.members.GetMember(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, member.IsActive)
	assert.Equal(t, membershipdomain.ActionExpired, f.actions(t, a.ID)[2])

	m, err = f.svc.GetMembership(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusActive, m.Status)

	_, err = f.svc.Expire(ctx, a.ID)
	assert.ErrorIs(t, err, membershipdomain.ErrNoActiveMembership)

	// The referrer is inactive now, so no bonus is paid.
	c := f.register(t, "c@example.com", a.ReferralCode)
	res := f.activate(t, c.ID, "BASIC")
	assert.Nil(t, res.ReferrerID)
	assert.Zero(t, res.DirectBonus)
}

func TestDeactivate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.register(t, "a@example.com", "")

	_, err := f.svc.Deactivate(ctx, a.ID, "fraud")
	assert.ErrorIs(t, err, membershipdomain.ErrMembershipNotFound)

	_, err = f.svc.CreatePending(ctx, membershipdomain.ActivateRequest{MemberID: a.ID, PlanCode: "BASIC"})
	require.NoError(t, err)
	m, err := f.svc.Deactivate(ctx, a.ID, "payment rejected")
	require.NoError(t, err)
	assert.Equal(t, membershipdomain.StatusInactive, m.Status)

	history, err := f.svc.ListHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "payment rejected", history[1].Reason)
	assert.Equal(t, "PENDING", history[1].Before["status"])
	assert.Equal(t, "INACTIVE", history[1].After["status"])

	f.activate(t, a.ID, "PRO")
	_, err = f.svc.Deactivate(ctx, a.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, membershipdomain.ActivateRequest{MemberID: 404, PlanCode: "PRO"})
	assert.ErrorIs(t, err, networkdomain.ErrMemberNotFound)
}
