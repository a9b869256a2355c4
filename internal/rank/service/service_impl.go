package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/events"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	periodLayout = "2006-01"
	memberBatch  = 500
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       rankdomain.Repository
	Catalog    catalogdomain.Service
	Members    networkdomain.Service
	Volume     volumedomain.Service
	Runs       *aggregation.Runs
	Retry      db.RetryPolicy
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       rankdomain.Repository
	catalog    catalogdomain.Service
	members    networkdomain.Service
	volume     volumedomain.Service
	runs       *aggregation.Runs
	retry      db.RetryPolicy
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) rankdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("rank.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		catalog:    p.Catalog,
		members:    p.Members,
		volume:     p.Volume,
		runs:       p.Runs,
		retry:      p.Retry,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EvaluateMember(ctx context.Context, memberID snowflake.ID, monthStart time.Time) (*rankdomain.Evaluation, error) {
	monthStart, err := s.checkPeriod(monthStart)
	if err != nil {
		return nil, err
	}
	ranks, err := s.catalog.ListRanks(ctx)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, ranks, memberID, monthStart)
}

func (s *Service) EvaluatePeriod(ctx context.Context, monthStart time.Time) (*rankdomain.PeriodResult, error) {
	monthStart, err := s.checkPeriod(monthStart)
	if err != nil {
		return nil, err
	}
	ranks, err := s.catalog.ListRanks(ctx)
	if err != nil {
		return nil, err
	}

	run, err := s.runs.Claim(ctx, aggregation.KindMonthlyRank, monthStart.UTC())
	if err != nil {
		return nil, err
	}
	logger := ctxlogger.WithContext(ctx, s.log).With(zap.String("period", monthStart.Format(periodLayout)))
	result := &rankdomain.PeriodResult{PeriodStart: monthStart}
	cutoff := volumedomain.NextMonth(monthStart)

	var after snowflake.ID
	for {
		ids, err := s.members.ListMemberIDs(ctx, after, cutoff, memberBatch)
		if err != nil {
			s.failRun(ctx, run, err)
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			eval, err := s.evaluate(ctx, ranks, id, monthStart)
			if errors.Is(err, rankdomain.ErrLaterPeriodEvaluated) {
				logger.Warn("skipped member evaluated for a later period", zap.String("member_id", id.String()))
				continue
			}
			if err != nil {
				logger.Error("rank evaluation failed", zap.String("member_id", id.String()), zap.Error(err))
				s.failRun(ctx, run, err)
				return nil, err
			}
			result.Evaluated++
			if eval.Promoted && !eval.Existing {
				result.Promoted++
			}
		}
		after = ids[len(ids)-1]
	}

	if err := s.runs.Complete(ctx, run, result.Evaluated); err != nil {
		return nil, err
	}
	logger.Info("rank period evaluated",
		zap.Int("evaluated", result.Evaluated),
		zap.Int("promoted", result.Promoted),
	)
	return result, nil
}

// evaluate stores the member's progress for the month. current follows the
// month's figures and may drop; highest only moves up.
func (s *Service) evaluate(ctx context.Context, ranks []catalogdomain.Rank, memberID snowflake.ID, monthStart time.Time) (*rankdomain.Evaluation, error) {
	byID := make(map[snowflake.ID]*catalogdomain.Rank, len(ranks))
	for i := range ranks {
		byID[ranks[i].ID] = &ranks[i]
	}
	// Ranks retired from the ladder still resolve, so stored ids compare
	// by their real requirements.
	lookup := func(tx *gorm.DB, id *snowflake.ID) (*catalogdomain.Rank, error) {
		if id == nil {
			return nil, nil
		}
		if rank, ok := byID[*id]; ok {
			return rank, nil
		}
		rank, err := s.catalog.GetRankTx(ctx, tx, *id)
		if errors.Is(err, catalogdomain.ErrRankNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		byID[*id] = rank
		return rank, nil
	}
	period := monthStart.UTC()

	var eval *rankdomain.Evaluation
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		existing, err := s.repo.Find(ctx, tx, memberID, period)
		if err != nil {
			return err
		}
		if existing != nil {
			current, err := lookup(tx, existing.CurrentRankID)
			if err != nil {
				return err
			}
			highest, err := lookup(tx, existing.HighestRankID)
			if err != nil {
				return err
			}
			eval = &rankdomain.Evaluation{
				Progress: existing,
				Current:  current,
				Highest:  highest,
				Promoted: existing.Promoted,
				Existing: true,
			}
			return nil
		}
		later, err := s.repo.ExistsAfter(ctx, tx, memberID, period)
		if err != nil {
			return err
		}
		if later {
			return rankdomain.ErrLaterPeriodEvaluated
		}

		agg, err := s.volume.MonthlyAggregate(ctx, tx, memberID, monthStart)
		if err != nil {
			return err
		}
		prev, err := s.repo.FindLatestBefore(ctx, tx, memberID, period)
		if err != nil {
			return err
		}

		candidate := rankdomain.Evaluate(ranks, agg.Points, agg.LeftDirects, agg.RightDirects)
		var previous, previousHighest *catalogdomain.Rank
		var highestID *snowflake.ID
		if prev != nil {
			if previous, err = lookup(tx, prev.CurrentRankID); err != nil {
				return err
			}
			if previousHighest, err = lookup(tx, prev.HighestRankID); err != nil {
				return err
			}
			highestID = prev.HighestRankID
		}
		// A highest rank deleted from the catalog cannot be compared, so it
		// is kept.
		known := highestID == nil || previousHighest != nil
		highest := previousHighest
		if known && rankdomain.Higher(candidate, previousHighest) {
			highest = candidate
			highestID = &candidate.ID
		}
		promoted := rankdomain.Higher(candidate, previous)

		progress := &rankdomain.MonthlyRankProgress{
			ID:            s.genID.Generate(),
			MemberID:      memberID,
			PeriodDate:    period,
			HighestRankID: highestID,
			MonthlyPoints: agg.Points,
			LeftDirects:   agg.LeftDirects,
			RightDirects:  agg.RightDirects,
			Promoted:      promoted,
			CreatedAt:     s.clock.Now(),
		}
		if candidate != nil {
			id := candidate.ID
			progress.CurrentRankID = &id
		}
		if err := s.repo.Insert(ctx, tx, progress); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return db.MarkRetryable(err)
			}
			return err
		}

		if promoted && s.publisher != nil {
			payload := map[string]any{
				"rank_code":      candidate.Code,
				"rank_name":      candidate.Name,
				"period":         monthStart.Format(periodLayout),
				"monthly_points": agg.Points,
			}
			if previous != nil {
				payload["previous_rank_code"] = previous.Code
			}
			if err := s.publisher.PublishTx(ctx, tx, events.Event{
				Type:      events.EventRankAchieved,
				MemberID:  memberID,
				Payload:   payload,
				DedupeKey: "rank_achieved:" + memberID.String() + ":" + monthStart.Format(periodLayout),
			}); err != nil {
				return err
			}
		}

		eval = &rankdomain.Evaluation{
			Progress: progress,
			Previous: previous,
			Current:  candidate,
			Highest:  highest,
			Promoted: promoted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if eval.Promoted && !eval.Existing {
		s.obsMetrics.IncRankPromotion(eval.Current.Code)
		ctxlogger.WithContext(ctx, s.log).Info("rank achieved",
			zap.String("member_id", memberID.String()),
			zap.String("rank", eval.Current.Code),
			zap.String("period", monthStart.Format(periodLayout)),
		)
	}
	return eval, nil
}

func (s *Service) GetCurrentRank(ctx context.Context, memberID snowflake.ID) (*rankdomain.CurrentRank, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	latest, err := s.repo.FindLatest(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	out := &rankdomain.CurrentRank{MemberID: memberID}
	if latest == nil {
		return out, nil
	}

	period := latest.PeriodDate.In(s.volume.Location())
	out.PeriodDate = &period
	out.MonthlyPoints = latest.MonthlyPoints
	out.LeftDirects = latest.LeftDirects
	out.RightDirects = latest.RightDirects
	if out.CurrentRank, err = s.rank(ctx, latest.CurrentRankID); err != nil {
		return nil, err
	}
	if out.HighestRank, err = s.rank(ctx, latest.HighestRankID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListProgress(ctx context.Context, memberID snowflake.ID, limit int) ([]rankdomain.MonthlyRankProgress, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 24 {
		limit = 12
	}
	return s.repo.List(ctx, s.db, memberID, limit)
}

func (s *Service) rank(ctx context.Context, id *snowflake.ID) (*catalogdomain.Rank, error) {
	if id == nil {
		return nil, nil
	}
	return s.catalog.GetRank(ctx, *id)
}

// checkPeriod returns monthStart in the plan's timezone once that month
// has fully elapsed.
func (s *Service) checkPeriod(monthStart time.Time) (time.Time, error) {
	loc := s.volume.Location()
	if monthStart.IsZero() || !volumedomain.IsMonthStart(monthStart, loc) {
		return time.Time{}, volumedomain.ErrInvalidMonthStart
	}
	monthStart = monthStart.In(loc)
	if s.clock.Now().Before(volumedomain.NextMonth(monthStart)) {
		return time.Time{}, rankdomain.ErrPeriodNotEnded
	}
	return monthStart, nil
}

func (s *Service) failRun(ctx context.Context, run *aggregation.Run, cause error) {
	if err := s.runs.Fail(ctx, run, cause); err != nil {
		s.log.Warn("mark run failed", zap.Error(err))
	}
}
