package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/internal/events"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	networkrepo "github.com/smallbiznis/binaryplan/internal/network/repository"
	networksvc "github.com/smallbiznis/binaryplan/internal/network/service"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	pointsrepo "github.com/smallbiznis/binaryplan/internal/points/repository"
	pointssvc "github.com/smallbiznis/binaryplan/internal/points/service"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"github.com/smallbiznis/binaryplan/internal/volume/repository"
	"github.com/smallbiznis/binaryplan/pkg/apperror"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var week1 = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	svc     volumedomain.Service
	members networkdomain.Service
	points  pointsdomain.Service
	clock   *clock.FakeClock
}

func setup(t *testing.T, cfg config.CompensationConfig) fixture {
	t.Helper()
	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&networkdomain.Member{},
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
	clk := clock.NewFakeClock(week1.Add(8 * time.Hour))
	outbox := events.NewOutbox(events.OutboxParams{DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk})
	retry := db.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	members := networksvc.NewService(networksvc.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk,
		Repo: networkrepo.Provide(), Retry: retry, Publisher: outbox,
	})
	points := pointssvc.NewService(pointssvc.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk,
		Repo: pointsrepo.Provide(), Members: members, Retry: retry, Publisher: outbox,
	})
	svc := NewService(Params{
		DB:           conn,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         repository.Provide(),
		Members:      members,
		Points:       points,
		Runs:         aggregation.NewRuns(aggregation.Params{DB: conn, GenID: node, Clock: clk}),
		Compensation: config.NewStaticCompensationHolder(cfg),
		Retry:        retry,
		Publisher:    outbox,
	})
	return fixture{db: conn, svc: svc, members: members, points: points, clock: clk}
}

func testConfig() config.CompensationConfig {
	cfg := config.DefaultCompensationConfig()
	cfg.WeeklyPayoutCap = 60
	cfg.BinaryCommissionPercent = 10
	return cfg
}

type tree struct {
	a, b, c, d *networkdomain.Member
}

// buildTree places B under A on the left, C under B on the left and D
// under B on the right.
func (f fixture) buildTree(t *testing.T) tree {
	t.Helper()
	register := func(email, referrer string, pos networkdomain.Position) *networkdomain.Member {
		res, err := f.members.Register(context.Background(), networkdomain.RegisterRequest{
			Email: email, ReferrerCode: referrer, PreferredPosition: pos,
		})
		require.NoError(t, err)
		return res.Member
	}
	a := register("a@example.com", "", "")
	b := register("b@example.com", a.ReferralCode, networkdomain.PositionLeft)
	c := register("c@example.com", a.ReferralCode, networkdomain.PositionLeft)
	d := register("d@example.com", b.ReferralCode, networkdomain.PositionRight)
	return tree{a: a, b: b, c: c, d: d}
}

func (f fixture) record(t *testing.T, memberID snowflake.ID, amount int64) *volumedomain.RecordActivityResult {
	t.Helper()
	res, err := f.svc.RecordActivity(context.Background(), volumedomain.RecordActivityRequest{
		MemberID: memberID,
		Amount:   amount,
	})
	require.NoError(t, err)
	return res
}

func (f fixture) weekly(t *testing.T, memberID snowflake.ID, weekStart time.Time) *volumedomain.WeeklyVolume {
	t.Helper()
	row, err := f.svc.GetWeeklyVolume(context.Background(), memberID, weekStart)
	require.NoError(t, err)
	return row
}

func TestTransitiveAttributionCreditsEveryAncestor(t *testing.T) {
	f := setup(t, testConfig())
	tr := f.buildTree(t)

	res := f.record(t, tr.c.ID, 100)
	require.Len(t, res.Attributions, 2)
	assert.Equal(t, tr.b.ID, res.Attributions[0].BeneficiaryID)
	assert.Equal(t, networkdomain.PositionLeft, res.Attributions[0].Side)
	assert.Equal(t, tr.a.ID, res.Attributions[1].BeneficiaryID)
	assert.Equal(t, networkdomain.PositionLeft, res.Attributions[1].Side)

	f.record(t, tr.d.ID, 50)

	b := f.weekly(t, tr.b.ID, week1)
	assert.Equal(t, int64(100), b.LeftVolume)
	assert.Equal(t, int64(50), b.RightVolume)
	assert.Equal(t, volumedomain.WeeklyPending, b.Status)

	a := f.weekly(t, tr.a.ID, week1)
	assert.Equal(t, int64(150), a.LeftVolume)
	assert.Zero(t, a.RightVolume)

	var added int64
	require.NoError(t, f.db.Model(&events.OutboxEvent{}).
		Where("event_type = ?", events.EventVolumeAdded).Count(&added).Error)
	assert.Equal(t, int64(4), added)
}

func TestNearestAttributionCreditsParentOnly(t *testing.T) {
	cfg := testConfig()
	cfg.AttributionMode = config.AttributionNearest
	f := setup(t, cfg)
	tr := f.buildTree(t)

	res := f.record(t, tr.c.ID, 100)
	require.Len(t, res.Attributions, 1)
	assert.Equal(t, tr.b.ID, res.Attributions[0].BeneficiaryID)

	a := f.weekly(t, tr.a.ID, week1)
	assert.Zero(t, a.ID)
	assert.Zero(t, a.LeftVolume)
}

func TestMaxAttributionDepth(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttributionDepth = 1
	f := setup(t, cfg)
	tr := f.buildTree(t)

	res := f.record(t, tr.c.ID, 100)
	require.Len(t, res.Attributions, 1)
	assert.Equal(t, 1, res.Attributions[0].Depth)
}

func TestRecordActivityReplay(t *testing.T) {
	f := setup(t, testConfig())
	tr := f.buildTree(t)
	req := volumedomain.RecordActivityRequest{MemberID: tr.c.ID, Amount: 40, ReferenceKey: "order-1"}

	first, err := f.svc.RecordActivity(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.RecordActivity(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Activity.ID, second.Activity.ID)
	assert.Len(t, second.Attributions, 2)
	assert.Equal(t, int64(40), f.weekly(t, tr.b.ID, week1).LeftVolume)

	req.MemberID = tr.d.ID
	_, err = f.svc.RecordActivity(context.Background(), req)
	assert.ErrorIs(t, err, volumedomain.ErrReferenceKeyReused)

	_, err = f.svc.RecordActivity(context.Background(), volumedomain.RecordActivityRequest{MemberID: tr.c.ID, Amount: 0})
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))
}

func assertConserved(t *testing.T, row *volumedomain.WeeklyVolume) {
	t.Helper()
	assert.Equal(t, row.LeftVolume+row.RightVolume, row.PaidAmount+row.CarryOverLeft+row.CarryOverRight)
	assert.Equal(t, row.CarryOverLeft+row.CarryOverRight, row.CarryOverVolume)
}

func TestCloseWeekPaysWeakLegAndCarries(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	tr := f.buildTree(t)
	f.record(t, tr.c.ID, 100)
	f.record(t, tr.d.ID, 50)

	_, err := f.svc.CloseWeek(ctx, week1)
	require.ErrorIs(t, err, volumedomain.ErrWeekNotEnded)

	f.clock.Set(week1.AddDate(0, 0, 7).Add(5 * time.Minute))
	res, err := f.svc.CloseWeek(ctx, week1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, int64(50), res.TotalPaid)
	assert.Equal(t, int64(5), res.TotalCommission)

	b := f.weekly(t, tr.b.ID, week1)
	assert.Equal(t, volumedomain.WeeklyProcessed, b.Status)
	assert.Equal(t, networkdomain.PositionRight, b.SelectedSide)
	assert.Equal(t, int64(50), b.PaidAmount)
	assert.Equal(t, int64(100), b.CarryOverLeft)
	assert.Zero(t, b.CarryOverRight)
	assert.Equal(t, int64(5), b.CommissionPoints)
	assertConserved(t, b)

	a := f.weekly(t, tr.a.ID, week1)
	assert.Zero(t, a.PaidAmount)
	assert.Equal(t, int64(150), a.CarryOverLeft)
	assertConserved(t, a)

	balance, err := f.points.GetBalance(ctx, tr.b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.AvailablePoints)

	_, err = f.svc.CloseWeek(ctx, week1)
	assert.True(t, apperror.Is(err, apperror.KindConflict))

	_, err = f.svc.RecordActivity(ctx, volumedomain.RecordActivityRequest{
		MemberID: tr.c.ID, Amount: 10, OccurredAt: week1.Add(time.Hour),
	})
	assert.ErrorIs(t, err, volumedomain.ErrWeekClosed)

	// Week two: carry seeds the legs and the cap limits the payout.
	week2 := week1.AddDate(0, 0, 7)
	f.record(t, tr.d.ID, 200)
	f.clock.Set(week2.AddDate(0, 0, 7).Add(time.Minute))
	res, err = f.svc.CloseWeek(ctx, week2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	b2 := f.weekly(t, tr.b.ID, week2)
	assert.Equal(t, int64(100), b2.CarryInLeft)
	assert.Equal(t, int64(100), b2.LeftVolume)
	assert.Equal(t, int64(200), b2.RightVolume)
	assert.Equal(t, networkdomain.PositionLeft, b2.SelectedSide)
	assert.Equal(t, int64(60), b2.PaidAmount)
	assert.Equal(t, int64(40), b2.CarryOverLeft)
	assert.Equal(t, int64(200), b2.CarryOverRight)
	assertConserved(t, b2)

	a2 := f.weekly(t, tr.a.ID, week2)
	assert.Equal(t, int64(350), a2.LeftVolume)
	assertConserved(t, a2)

	balance, err = f.points.GetBalance(ctx, tr.b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(11), balance.AvailablePoints)
}

func TestCloseWeekCarryOnlyMemberGetsRow(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	tr := f.buildTree(t)
	f.record(t, tr.c.ID, 30)

	f.clock.Set(week1.AddDate(0, 0, 7))
	_, err := f.svc.CloseWeek(ctx, week1)
	require.NoError(t, err)

	week2 := week1.AddDate(0, 0, 7)
	f.clock.Set(week2.AddDate(0, 0, 7))
	res, err := f.svc.CloseWeek(ctx, week2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	b2 := f.weekly(t, tr.b.ID, week2)
	assert.NotZero(t, b2.ID)
	assert.Equal(t, int64(30), b2.CarryOverLeft)

	d := f.weekly(t, tr.d.ID, week2)
	assert.Zero(t, d.ID)
	assert.Equal(t, volumedomain.WeeklyProcessed, d.Status)

	var rows int64
	require.NoError(t, f.db.Model(&volumedomain.WeeklyVolume{}).Where("member_id = ?", tr.d.ID).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestMissedWeekIsClosedBeforeLaterWeek(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	tr := f.buildTree(t)
	week2 := week1.AddDate(0, 0, 7)
	week3 := week2.AddDate(0, 0, 7)

	f.record(t, tr.c.ID, 100)
	f.record(t, tr.d.ID, 100)
	f.clock.Set(week2.Add(time.Hour))
	f.record(t, tr.c.ID, 10)

	// The week1 close never ran.
	f.clock.Set(week3.Add(time.Hour))
	_, err := f.svc.CloseWeek(ctx, week2)
	require.ErrorIs(t, err, volumedomain.ErrEarlierWeekOpen)
	assert.True(t, apperror.Is(err, apperror.KindConflict))
	var claimed int64
	require.NoError(t, f.db.Model(&aggregation.Run{}).Count(&claimed).Error)
	assert.Zero(t, claimed)

	results, err := f.svc.CloseEndedWeeks(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, week1.Equal(results[0].WeekStart))
	assert.True(t, week2.Equal(results[1].WeekStart))

	a1 := f.weekly(t, tr.a.ID, week1)
	assert.Equal(t, volumedomain.WeeklyProcessed, a1.Status)
	assert.Equal(t, int64(200), a1.CarryOverLeft)
	assertConserved(t, a1)

	a2 := f.weekly(t, tr.a.ID, week2)
	assert.Equal(t, volumedomain.WeeklyProcessed, a2.Status)
	assert.Equal(t, int64(200), a2.CarryInLeft)
	assert.Equal(t, int64(210), a2.LeftVolume)
	assertConserved(t, a2)

	var pending int64
	require.NoError(t, f.db.Model(&volumedomain.WeeklyVolume{}).
		Where("status = ?", volumedomain.WeeklyPending).Count(&pending).Error)
	assert.Zero(t, pending)

	_, err = f.svc.RecordActivity(ctx, volumedomain.RecordActivityRequest{
		MemberID: tr.c.ID, Amount: 5, OccurredAt: week1.Add(2 * time.Hour),
	})
	assert.ErrorIs(t, err, volumedomain.ErrWeekClosed)

	results, err = f.svc.CloseEndedWeeks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBackdatedActivityRejectedOnceLaterWeekClosed(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	tr := f.buildTree(t)
	week2 := week1.AddDate(0, 0, 7)

	f.clock.Set(week2.Add(time.Hour))
	f.record(t, tr.c.ID, 10)
	f.clock.Set(week2.AddDate(0, 0, 7).Add(time.Hour))
	_, err := f.svc.CloseWeek(ctx, week2)
	require.NoError(t, err)

	_, err = f.svc.RecordActivity(ctx, volumedomain.RecordActivityRequest{
		MemberID: tr.c.ID, Amount: 200, OccurredAt: week1.Add(time.Hour),
	})
	assert.ErrorIs(t, err, volumedomain.ErrWeekClosed)

	var rows int64
	require.NoError(t, f.db.Model(&volumedomain.WeeklyVolume{}).
		Where("week_start_date = ?", week1).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestCloseWeekValidation(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	f.clock.Set(week1.AddDate(0, 1, 0))

	_, err := f.svc.CloseWeek(ctx, week1.Add(24*time.Hour))
	assert.ErrorIs(t, err, volumedomain.ErrInvalidWeekStart)

	week2 := week1.AddDate(0, 0, 7)
	_, err = f.svc.CloseWeek(ctx, week2)
	require.NoError(t, err)
}

func TestCut(t *testing.T) {
	cases := []struct {
		name                 string
		left, right, limit   int64
		paid, carryL, carryR int64
		side                 networkdomain.Position
	}{
		{"balanced", 100, 100, 0, 100, 0, 100, networkdomain.PositionLeft},
		{"weak right", 300, 80, 0, 80, 300, 0, networkdomain.PositionRight},
		{"capped", 500, 400, 150, 150, 500, 250, networkdomain.PositionRight},
		{"empty leg", 0, 90, 50, 0, 0, 90, networkdomain.PositionLeft},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := volumedomain.Cut(tc.left, tc.right, tc.limit, 10)
			assert.Equal(t, tc.paid, out.Paid)
			assert.Equal(t, tc.side, out.SelectedSide)
			assert.Equal(t, tc.carryL, out.CarryOverLeft)
			assert.Equal(t, tc.carryR, out.CarryOverRight)
			assert.Equal(t, tc.left+tc.right, out.Paid+out.CarryOverLeft+out.CarryOverRight)
			assert.Equal(t, tc.paid/10, out.Commission)
		})
	}
}

func TestMonthlyAggregate(t *testing.T) {
	f := setup(t, testConfig())
	ctx := context.Background()
	tr := f.buildTree(t)
	require.NoError(t, f.db.Model(&networkdomain.Member{}).
		Where("id IN ?", []snowflake.ID{tr.b.ID, tr.c.ID}).
		Update("is_active", true).Error)

	_, err := f.points.Credit(ctx, pointsdomain.CreditRequest{
		MemberID: tr.a.ID, Type: pointsdomain.TransactionDirectBonus, Amount: 70,
	})
	require.NoError(t, err)
	f.record(t, tr.c.ID, 25)

	march := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	agg, err := f.svc.GetMonthlyVolume(ctx, tr.a.ID, march)
	require.NoError(t, err)
	assert.Equal(t, int64(70), agg.Points)
	assert.Equal(t, 2, agg.LeftDirects)
	assert.Zero(t, agg.RightDirects)
	assert.Equal(t, int64(25), agg.LeftVolume)
	assert.Equal(t, time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC), agg.MonthEnd.UTC())

	_, err = f.svc.GetMonthlyVolume(ctx, tr.a.ID, march.Add(time.Hour))
	assert.ErrorIs(t, err, volumedomain.ErrInvalidMonthStart)
}

func TestPeriodBoundsInLocation(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	// Sunday 20:00 UTC is already Monday 03:00 in UTC+7.
	ts := time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC)
	start := volumedomain.WeekStart(ts, jakarta)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, jakarta), start)
	assert.True(t, volumedomain.IsWeekStart(start, jakarta))
	assert.False(t, volumedomain.IsWeekStart(start, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 16, 23, 59, 59, 0, jakarta), volumedomain.WeekEnd(start))
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, jakarta), volumedomain.MonthStart(ts, jakarta))
}
