package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVolume struct {
	volumedomain.Service
	ended  []time.Time
	closed []time.Time
	err    error
}

// CloseEndedWeeks closes the configured weeks in order, stopping at err.
func (f *fakeVolume) CloseEndedWeeks(_ context.Context) ([]*volumedomain.WeeklyCloseResult, error) {
	var results []*volumedomain.WeeklyCloseResult
	for _, week := range f.ended {
		f.closed = append(f.closed, week)
		if f.err != nil {
			return results, f.err
		}
		results = append(results, &volumedomain.WeeklyCloseResult{WeekStart: week, Processed: 3})
	}
	return results, nil
}

func (f *fakeVolume) Location() *time.Location { return time.UTC }

type fakeRanks struct {
	rankdomain.Service
	periods []time.Time
}

func (f *fakeRanks) EvaluatePeriod(_ context.Context, monthStart time.Time) (*rankdomain.PeriodResult, error) {
	f.periods = append(f.periods, monthStart)
	return &rankdomain.PeriodResult{PeriodStart: monthStart, Evaluated: 2}, nil
}

type fakeMemberships struct {
	membershipdomain.Service
	batches []int
}

// ExpireDue pretends a full first batch and a short second one.
func (f *fakeMemberships) ExpireDue(_ context.Context, _ time.Time, limit int) (int, error) {
	f.batches = append(f.batches, limit)
	if len(f.batches) == 1 {
		return limit, nil
	}
	return 1, nil
}

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *fakeVolume, *fakeRanks, *fakeMemberships) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	volume := &fakeVolume{}
	ranks := &fakeRanks{}
	memberships := &fakeMemberships{}
	s := &Scheduler{
		log:         zap.NewNop(),
		cfg:         Config{ExpireBatchSize: 2, JobTimeout: time.Second}.withDefaults(),
		genID:       node,
		clock:       clock.NewFakeClock(now),
		volume:      volume,
		ranks:       ranks,
		memberships: memberships,
	}
	return s, volume, ranks, memberships
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "binaryplan",
		Environment: "test",
	})

	s, _, _, _ := newTestScheduler(t, time.Time{})
	s.cfg.JobTimeout = 5 * time.Millisecond
	err := s.runJob(context.Background(), "timeout_job", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "binaryplan",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "binaryplan_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "binaryplan",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "binaryplan_scheduler_job_errors_total", errorLabels))
}

func TestRunJobTreatsCompletedPeriodAsSkipped(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "binaryplan", Environment: "test"})

	s, volume, _, _ := newTestScheduler(t, time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC))
	volume.ended = []time.Time{time.Date(2025, 2, 24, 0, 0, 0, 0, time.UTC)}
	volume.err = aggregation.ErrPeriodCompleted

	require.NoError(t, s.runJob(context.Background(), JobWeeklyClose, s.WeeklyCloseJob))
	labels := map[string]string{"service": "binaryplan", "env": "test", "job": JobWeeklyClose}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "binaryplan_scheduler_job_skipped_total", labels))
}

func TestJobsTargetPreviousPeriods(t *testing.T) {
	// Wednesday in the first week of March.
	s, volume, ranks, memberships := newTestScheduler(t, time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	missed := time.Date(2025, 2, 17, 0, 0, 0, 0, time.UTC)
	previous := time.Date(2025, 2, 24, 0, 0, 0, 0, time.UTC)
	volume.ended = []time.Time{missed, previous}
	ctx, run, _ := s.ensureJobRun(ctx, JobWeeklyClose)
	require.NoError(t, s.WeeklyCloseJob(ctx))
	assert.Equal(t, []time.Time{missed, previous}, volume.closed)
	assert.Equal(t, 6, run.processedCount)
	assert.Equal(t, "2025-02-24", run.period)

	require.NoError(t, s.MonthlyRankJob(ctx))
	require.Len(t, ranks.periods, 1)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), ranks.periods[0])

	require.NoError(t, s.ExpiryJob(ctx))
	assert.Equal(t, []int{2, 2}, memberships.batches)
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobRelay))

	s.cfg.EnabledJobs = []string{"weekly_close", " MONTHLY_RANK"}
	assert.True(t, s.isJobEnabled(JobWeeklyClose))
	assert.True(t, s.isJobEnabled(JobMonthlyRank))
	assert.False(t, s.isJobEnabled(JobRelay))
}

func TestLockerSingleHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, JobWeeklyClose, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, JobWeeklyClose, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not release someone else's lock.
	require.NoError(t, locker.Release(ctx, JobWeeklyClose, "stale"))
	assert.True(t, mr.Exists(lockPrefix+JobWeeklyClose))

	require.NoError(t, locker.Release(ctx, JobWeeklyClose, token))
	assert.False(t, mr.Exists(lockPrefix+JobWeeklyClose))

	_, _, err = locker.TryLock(ctx, "", time.Minute)
	assert.ErrorIs(t, err, errLockKeyEmpty)
	assert.Nil(t, NewLocker(nil))
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, volume, _, _ := newTestScheduler(t, time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC))
	s.locker = NewLocker(client)
	require.NoError(t, mr.Set(lockPrefix+JobWeeklyClose, "other-instance"))

	require.NoError(t, s.runJob(context.Background(), JobWeeklyClose, s.WeeklyCloseJob))
	assert.Empty(t, volume.closed)

	mr.Del(lockPrefix + JobWeeklyClose)
	require.NoError(t, s.runJob(context.Background(), JobWeeklyClose, s.WeeklyCloseJob))
	assert.Len(t, volume.closed, 1)
	assert.False(t, mr.Exists(lockPrefix+JobWeeklyClose))
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

func TestProvideConfigUsesCompensationSchedules(t *testing.T) {
	comp := config.DefaultCompensationConfig()
	comp.WeeklyCloseSchedule = "0 1 * * 1"
	comp.ExpirySchedule = "*/5 * * * *"

	cfg := ProvideConfig(config.Config{
		SchedulerEnabled:  true,
		SchedulerJobs:     "weekly_close,outbox_relay",
		OutboxMaxAttempts: 4,
	}, config.NewStaticCompensationHolder(comp))

	require.True(t, cfg.Enabled)
	require.Equal(t, "0 1 * * 1", cfg.WeeklyCloseSpec)
	require.Equal(t, "*/5 * * * *", cfg.ExpirySpec)
	require.Equal(t, comp.MonthlyRankSchedule, cfg.MonthlyRankSpec)
	require.Equal(t, []string{JobWeeklyClose, JobRelay}, cfg.EnabledJobs)
	require.Equal(t, 4, cfg.RelayMaxAttempts)
}
