package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/internal/events"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         volumedomain.Repository
	Members      networkdomain.Service
	Points       pointsdomain.Service
	Runs         *aggregation.Runs
	Compensation *config.CompensationConfigHolder
	Retry        db.RetryPolicy
	Publisher    events.Publisher    `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         volumedomain.Repository
	members      networkdomain.Service
	points       pointsdomain.Service
	runs         *aggregation.Runs
	compensation *config.CompensationConfigHolder
	retry        db.RetryPolicy
	publisher    events.Publisher
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) volumedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("volume.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		members:      p.Members,
		points:       p.Points,
		runs:         p.Runs,
		compensation: p.Compensation,
		retry:        p.Retry,
		publisher:    p.Publisher,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Location() *time.Location {
	return s.compensation.Get().Location()
}

func (s *Service) RecordActivity(ctx context.Context, req volumedomain.RecordActivityRequest) (*volumedomain.RecordActivityResult, error) {
	if req.Amount <= 0 {
		return nil, volumedomain.ErrInvalidAmount
	}
	var result *volumedomain.RecordActivityResult
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		res, err := s.RecordActivityTx(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctxlogger.WithContext(ctx, s.log).Info("volume recorded",
		zap.String("member_id", req.MemberID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int("beneficiaries", len(result.Attributions)),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

// RecordActivityTx stores a qualifying activity and credits its amount to
// the weekly leg volume of each beneficiary ancestor. In transitive mode
// every ancestor up to the configured depth benefits; in nearest mode only
// the parent does.
func (s *Service) RecordActivityTx(ctx context.Context, tx *gorm.DB, req volumedomain.RecordActivityRequest) (*volumedomain.RecordActivityResult, error) {
	if req.Amount <= 0 {
		return nil, volumedomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.ReferenceKey)
	if key != "" {
		existing, err := s.repo.FindActivityByReference(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.MemberID != req.MemberID {
				return nil, volumedomain.ErrReferenceKeyReused
			}
			return s.replayed(ctx, tx, existing)
		}
	}

	cfg := s.compensation.Get()
	loc := cfg.Location()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	weekStart := volumedomain.WeekStart(occurredAt, loc)
	weekKey := weekStart.UTC()

	if err := s.runs.EnterTx(ctx, tx, aggregation.KindWeeklyClose); err != nil {
		return nil, err
	}
	run, err := s.runs.GetTx(ctx, tx, aggregation.KindWeeklyClose, weekKey)
	if err != nil {
		return nil, err
	}
	if run != nil {
		return nil, volumedomain.ErrWeekClosed
	}
	later, err := s.runs.ClaimedAfterTx(ctx, tx, aggregation.KindWeeklyClose, weekKey)
	if err != nil {
		return nil, err
	}
	if later {
		return nil, volumedomain.ErrWeekClosed
	}

	depth := cfg.MaxAttributionDepth
	if cfg.AttributionMode == config.AttributionNearest {
		depth = 1
	}
	ancestors, err := s.members.ListAncestorsTx(ctx, tx, req.MemberID, depth)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	activity := &volumedomain.VolumeActivity{
		ID:         s.genID.Generate(),
		MemberID:   req.MemberID,
		Amount:     req.Amount,
		Source:     strings.TrimSpace(req.Source),
		OccurredAt: occurredAt.UTC(),
		CreatedAt:  now,
	}
	if key != "" {
		activity.ReferenceKey = &key
	}
	if err := s.repo.InsertActivity(ctx, tx, activity); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, db.MarkRetryable(err)
		}
		return nil, err
	}

	legs := make([]volumedomain.LegVolume, 0, len(ancestors))
	attributions := make([]volumedomain.Attribution, 0, len(ancestors))
	for _, ancestor := range ancestors {
		legs = append(legs, volumedomain.LegVolume{
			ID:            s.genID.Generate(),
			ActivityID:    activity.ID,
			BeneficiaryID: ancestor.MemberID,
			Side:          ancestor.Side,
			Amount:        req.Amount,
			Depth:         ancestor.Depth,
			OccurredAt:    activity.OccurredAt,
		})
		attributions = append(attributions, volumedomain.Attribution{
			BeneficiaryID: ancestor.MemberID,
			Side:          ancestor.Side,
			Depth:         ancestor.Depth,
		})
	}
	if err := s.repo.InsertLegVolumes(ctx, tx, legs); err != nil {
		return nil, err
	}

	// Ancestors arrive nearest first, so concurrent activities lock shared
	// weekly rows in the same order.
	for _, leg := range legs {
		if err := s.repo.EnsureWeekly(ctx, tx, &volumedomain.WeeklyVolume{
			ID:            s.genID.Generate(),
			MemberID:      leg.BeneficiaryID,
			WeekStartDate: weekKey,
			WeekEndDate:   volumedomain.WeekEnd(weekStart).UTC(),
			Status:        volumedomain.WeeklyPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return nil, err
		}
		ok, err := s.repo.AddWeeklyVolume(ctx, tx, leg.BeneficiaryID, weekKey, leg.Side, leg.Amount, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, volumedomain.ErrWeekClosed
		}

		if s.publisher != nil {
			if err := s.publisher.PublishTx(ctx, tx, events.Event{
				Type:     events.EventVolumeAdded,
				MemberID: leg.BeneficiaryID,
				Payload: map[string]any{
					"activity_id": activity.ID.String(),
					"originator":  req.MemberID.String(),
					"side":        string(leg.Side),
					"amount":      leg.Amount,
					"depth":       leg.Depth,
					"week_start":  weekStart.Format(dateLayout),
				},
				DedupeKey: "volume_added:" + activity.ID.String() + ":" + leg.BeneficiaryID.String(),
			}); err != nil {
				return nil, err
			}
		}
		s.obsMetrics.RecordAttribution(string(leg.Side), leg.Amount)
	}

	return &volumedomain.RecordActivityResult{Activity: activity, Attributions: attributions}, nil
}

func (s *Service) replayed(ctx context.Context, tx *gorm.DB, activity *volumedomain.VolumeActivity) (*volumedomain.RecordActivityResult, error) {
	legs, err := s.repo.ListLegVolumes(ctx, tx, activity.ID)
	if err != nil {
		return nil, err
	}
	attributions := make([]volumedomain.Attribution, 0, len(legs))
	for _, leg := range legs {
		attributions = append(attributions, volumedomain.Attribution{
			BeneficiaryID: leg.BeneficiaryID,
			Side:          leg.Side,
			Depth:         leg.Depth,
		})
	}
	return &volumedomain.RecordActivityResult{Activity: activity, Attributions: attributions, Replayed: true}, nil
}

// CloseWeek processes every member with open volume or brought-forward
// carry for the week starting at weekStart. Only one close may run per
// week; a failed close can be re-run and resumes where it stopped. Weeks
// close in order: an earlier week with open rows, or a later processed
// week, is a conflict.
func (s *Service) CloseWeek(ctx context.Context, weekStart time.Time) (*volumedomain.WeeklyCloseResult, error) {
	cfg := s.compensation.Get()
	loc := cfg.Location()
	if weekStart.IsZero() || !volumedomain.IsWeekStart(weekStart, loc) {
		return nil, volumedomain.ErrInvalidWeekStart
	}
	weekStart = weekStart.In(loc)
	if s.clock.Now().Before(volumedomain.NextWeek(weekStart)) {
		return nil, volumedomain.ErrWeekNotEnded
	}
	weekKey := weekStart.UTC()

	run, err := s.runs.ClaimGuarded(ctx, aggregation.KindWeeklyClose, weekKey, func(tx *gorm.DB) error {
		later, err := s.repo.CountProcessedAfter(ctx, tx, weekKey)
		if err != nil {
			return err
		}
		if later > 0 {
			return volumedomain.ErrWeekClosedOutOfOrder
		}
		earlier, err := s.repo.CountPendingBefore(ctx, tx, weekKey)
		if err != nil {
			return err
		}
		if earlier > 0 {
			return volumedomain.ErrEarlierWeekOpen
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := ctxlogger.WithContext(ctx, s.log).With(zap.String("week_start", weekStart.Format(dateLayout)))
	result := &volumedomain.WeeklyCloseResult{WeekStart: weekStart}

	candidates, err := s.repo.ListCloseCandidates(ctx, s.db, weekKey)
	if err != nil {
		s.failRun(ctx, run, err)
		return nil, err
	}
	for _, memberID := range candidates {
		var closed *volumedomain.WeeklyVolume
		err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
			row, err := s.closeMember(ctx, tx, memberID, weekStart, cfg)
			if err != nil {
				return err
			}
			closed = row
			return nil
		})
		if err != nil {
			logger.Error("weekly close failed", zap.String("member_id", memberID.String()), zap.Error(err))
			s.failRun(ctx, run, err)
			return nil, err
		}
		if closed == nil {
			continue
		}
		result.Processed++
		result.TotalPaid += closed.PaidAmount
		result.TotalCommission += closed.CommissionPoints
		s.obsMetrics.RecordBinaryPaid(closed.PaidAmount)
	}

	if err := s.runs.Complete(ctx, run, result.Processed); err != nil {
		return nil, err
	}
	logger.Info("week closed",
		zap.Int("processed", result.Processed),
		zap.Int64("paid", result.TotalPaid),
		zap.Int64("commission", result.TotalCommission),
	)
	return result, nil
}

// CloseEndedWeeks catches up on missed closes: it closes each ended week
// that still has open rows, oldest first, then the week before the current
// one if nobody closed it yet.
func (s *Service) CloseEndedWeeks(ctx context.Context) ([]*volumedomain.WeeklyCloseResult, error) {
	loc := s.Location()
	current := volumedomain.WeekStart(s.clock.Now(), loc)
	var results []*volumedomain.WeeklyCloseResult

	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		week, err := s.repo.FindOldestPendingWeek(ctx, s.db, current.UTC())
		if err != nil {
			return results, err
		}
		if week == nil {
			break
		}
		if week.Equal(last) {
			return results, fmt.Errorf("week %s still has open rows after closing", week.Format(dateLayout))
		}
		last = *week
		res, err := s.CloseWeek(ctx, week.In(loc))
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	previous := current.AddDate(0, 0, -7)
	run, err := s.runs.Get(ctx, aggregation.KindWeeklyClose, previous.UTC())
	if err != nil {
		return results, err
	}
	if run == nil || run.Status == aggregation.StatusFailed {
		res, err := s.CloseWeek(ctx, previous)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// closeMember freezes one member's week. It returns nil when the row was
// already processed by an earlier attempt.
func (s *Service) closeMember(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, weekStart time.Time, cfg config.CompensationConfig) (*volumedomain.WeeklyVolume, error) {
	now := s.clock.Now()
	weekKey := weekStart.UTC()
	if err := s.repo.EnsureWeekly(ctx, tx, &volumedomain.WeeklyVolume{
		ID:            s.genID.Generate(),
		MemberID:      memberID,
		WeekStartDate: weekKey,
		WeekEndDate:   volumedomain.WeekEnd(weekStart).UTC(),
		Status:        volumedomain.WeeklyPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return nil, err
	}
	row, err := s.repo.FindWeeklyForUpdate(ctx, tx, memberID, weekKey)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Status != volumedomain.WeeklyPending {
		return nil, nil
	}

	prev, err := s.repo.FindLatestProcessedBefore(ctx, tx, memberID, weekKey)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		row.CarryInLeft = prev.CarryOverLeft
		row.CarryInRight = prev.CarryOverRight
	}
	row.LeftVolume += row.CarryInLeft
	row.RightVolume += row.CarryInRight

	out := volumedomain.Cut(row.LeftVolume, row.RightVolume, cfg.WeeklyPayoutCap, cfg.BinaryCommissionPercent)
	row.PaidAmount = out.Paid
	row.SelectedSide = out.SelectedSide
	row.CarryOverLeft = out.CarryOverLeft
	row.CarryOverRight = out.CarryOverRight
	row.CarryOverVolume = out.CarryOverLeft + out.CarryOverRight
	row.CommissionPoints = out.Commission
	row.Status = volumedomain.WeeklyProcessed
	row.ProcessedAt = &now
	row.UpdatedAt = now

	ok, err := s.repo.MarkProcessed(ctx, tx, row)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, volumedomain.ErrWeekClosed
	}

	if out.Commission > 0 {
		if _, err := s.points.CreditTx(ctx, tx, pointsdomain.CreditRequest{
			MemberID: memberID,
			Type:     pointsdomain.TransactionBinaryCommission,
			Amount:   out.Commission,
			Metadata: map[string]any{
				"week_start":       weekStart.Format(dateLayout),
				"weekly_volume_id": row.ID.String(),
				"paid_volume":      out.Paid,
				"selected_side":    string(out.SelectedSide),
			},
			ReferenceKey: "binary_commission:" + weekStart.Format(dateLayout) + ":" + memberID.String(),
		}); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (s *Service) failRun(ctx context.Context, run *aggregation.Run, cause error) {
	if err := s.runs.Fail(ctx, run, cause); err != nil {
		s.log.Warn("mark run failed", zap.Error(err))
	}
}

// GetWeeklyVolume returns a zero row when the member had nothing in the
// week.
func (s *Service) GetWeeklyVolume(ctx context.Context, memberID snowflake.ID, weekStart time.Time) (*volumedomain.WeeklyVolume, error) {
	loc := s.Location()
	if weekStart.IsZero() || !volumedomain.IsWeekStart(weekStart, loc) {
		return nil, volumedomain.ErrInvalidWeekStart
	}
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	weekKey := weekStart.UTC()
	row, err := s.repo.FindWeekly(ctx, s.db, memberID, weekKey)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	status := volumedomain.WeeklyPending
	run, err := s.runs.Get(ctx, aggregation.KindWeeklyClose, weekKey)
	if err != nil {
		return nil, err
	}
	if run != nil && run.Status == aggregation.StatusCompleted {
		status = volumedomain.WeeklyProcessed
	}
	return &volumedomain.WeeklyVolume{
		MemberID:      memberID,
		WeekStartDate: weekKey,
		WeekEndDate:   volumedomain.WeekEnd(weekStart.In(loc)).UTC(),
		Status:        status,
	}, nil
}

func (s *Service) GetMonthlyVolume(ctx context.Context, memberID snowflake.ID, monthStart time.Time) (*volumedomain.MonthlyVolume, error) {
	return s.MonthlyAggregate(ctx, nil, memberID, monthStart)
}

// MonthlyAggregate sums ledger credits and leg volume over the calendar
// month and counts directs registered before it ended.
func (s *Service) MonthlyAggregate(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, monthStart time.Time) (*volumedomain.MonthlyVolume, error) {
	if tx == nil {
		tx = s.db
	}
	loc := s.Location()
	if monthStart.IsZero() || !volumedomain.IsMonthStart(monthStart, loc) {
		return nil, volumedomain.ErrInvalidMonthStart
	}
	monthStart = monthStart.In(loc)
	monthEnd := volumedomain.NextMonth(monthStart)

	if _, err := s.members.GetMemberTx(ctx, tx, memberID); err != nil {
		return nil, err
	}
	points, err := s.points.SumEarned(ctx, tx, memberID, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}
	directs, err := s.members.CountDirects(ctx, tx, memberID, monthEnd)
	if err != nil {
		return nil, err
	}
	left, right, err := s.repo.SumLegVolume(ctx, tx, memberID, monthStart.UTC(), monthEnd.UTC())
	if err != nil {
		return nil, err
	}
	return &volumedomain.MonthlyVolume{
		MemberID:     memberID,
		MonthStart:   monthStart,
		MonthEnd:     monthEnd.Add(-time.Second),
		Points:       points,
		LeftDirects:  directs.Left,
		RightDirects: directs.Right,
		LeftVolume:   left,
		RightVolume:  right,
	}, nil
}
