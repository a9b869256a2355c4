package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/events"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobWeeklyClose = "weekly_close"
	JobMonthlyRank = "monthly_rank"
	JobExpiry      = "membership_expiry"
	JobRelay       = "outbox_relay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Volume      volumedomain.Service
	Ranks       rankdomain.Service
	Memberships membershipdomain.Service
	Relay       *events.Relay
	Locker      *Locker `optional:"true"`
	Config      Config  `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	volume      volumedomain.Service
	ranks       rankdomain.Service
	memberships membershipdomain.Service
	relay       *events.Relay
	locker      *Locker
	cron        *cron.Cron
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Volume == nil || p.Ranks == nil || p.Memberships == nil || p.Relay == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		volume:      p.Volume,
		ranks:       p.Ranks,
		memberships: p.Memberships,
		relay:       p.Relay,
		locker:      p.Locker,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobWeeklyClose, s.cfg.WeeklyCloseSpec, s.WeeklyCloseJob},
		{JobMonthlyRank, s.cfg.MonthlyRankSpec, s.MonthlyRankJob},
		{JobExpiry, s.cfg.ExpirySpec, s.ExpiryJob},
		{JobRelay, s.cfg.RelaySpec, s.RelayJob},
	}
}

// runJob wraps fn with a timeout, the cross-replica lock, metrics and
// start/finish logs. A period that is already closed or being closed
// elsewhere counts as skipped, not failed.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, name, s.cfg.LockTTL)
		if err != nil {
			schedMetrics.IncJobError(name, err)
			return fmt.Errorf("%s: lock: %w", name, err)
		}
		if !ok {
			schedMetrics.IncJobSkipped(name)
			log.Debug("job held by another instance")
			return nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.locker.Release(releaseCtx, name, token); err != nil {
				log.Warn("release job lock failed", zap.Error(err))
			}
		}()
	}

	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && alreadyHandled(err) {
		schedMetrics.IncJobSkipped(name)
		log.Info("period already handled", zap.Error(err))
		err = nil
	}
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick resumes
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func alreadyHandled(err error) bool {
	return errors.Is(err, aggregation.ErrPeriodCompleted) || errors.Is(err, aggregation.ErrRunInProgress)
}

// RunOnce runs every enabled job once, in schedule order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.runJob(parent, j.name, j.run))
		}
	}
	return err
}

// Start registers the enabled jobs with cron in the compensation timezone.
// Overlapping ticks of the same job are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{log: s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(s.volume.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			if err := s.runJob(ctx, j.name, j.run); err != nil {
				s.log.Warn("scheduler job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// WeeklyCloseJob closes every ended week still open, oldest first, so a
// missed tick is caught up on the next one.
func (s *Scheduler) WeeklyCloseJob(ctx context.Context) error {
	results, err := s.volume.CloseEndedWeeks(ctx)
	run := jobRunFromContext(ctx)
	for _, res := range results {
		week := res.WeekStart.Format("2006-01-02")
		run.SetPeriod(week)
		run.AddProcessed(res.Processed)
		obsmetrics.Scheduler().AddBatchProcessed(JobWeeklyClose, "weekly_volumes", res.Processed)
		s.logger(ctx).Info("week closed",
			zap.String("week_start", week),
			zap.Int("processed", res.Processed),
			zap.Int64("total_paid", res.TotalPaid),
			zap.Int64("total_commission", res.TotalCommission),
		)
	}
	if len(results) > 1 {
		s.logger(ctx).Warn("caught up on missed weekly closes", zap.Int("weeks", len(results)))
	}
	return err
}

// MonthlyRankJob evaluates ranks for the month before the current one.
func (s *Scheduler) MonthlyRankJob(ctx context.Context) error {
	month := volumedomain.MonthStart(s.clock.Now(), s.volume.Location()).AddDate(0, -1, 0)
	res, err := s.ranks.EvaluatePeriod(ctx, month)
	if err != nil {
		return err
	}
	run := jobRunFromContext(ctx)
	run.SetPeriod(month.Format("2006-01"))
	run.AddProcessed(res.Evaluated)
	obsmetrics.Scheduler().AddBatchProcessed(JobMonthlyRank, "monthly_rank_progress", res.Evaluated)
	s.logger(ctx).Info("rank period evaluated",
		zap.String("period", month.Format("2006-01")),
		zap.Int("evaluated", res.Evaluated),
		zap.Int("promoted", res.Promoted),
	)
	return nil
}

// ExpiryJob expires memberships past their end date in batches.
func (s *Scheduler) ExpiryJob(ctx context.Context) error {
	now := s.clock.Now()
	run := jobRunFromContext(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.memberships.ExpireDue(ctx, now, s.cfg.ExpireBatchSize)
		run.AddProcessed(n)
		obsmetrics.Scheduler().AddBatchProcessed(JobExpiry, "memberships", n)
		if err != nil {
			return err
		}
		if n < s.cfg.ExpireBatchSize {
			return nil
		}
	}
}

// RelayJob drains the outbox until a batch comes back short.
func (s *Scheduler) RelayJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.relay.RelayOnce(ctx, s.cfg.RelayBatchSize, s.cfg.RelayMaxAttempts)
		run.AddProcessed(n)
		obsmetrics.Scheduler().AddBatchProcessed(JobRelay, "events", n)
		if err != nil {
			return err
		}
		if n < s.cfg.RelayBatchSize {
			return nil
		}
	}
}

// cronLogger routes cron's own logs through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
