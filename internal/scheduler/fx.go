package scheduler

import (
	"context"
	"strings"

	"github.com/smallbiznis/binaryplan/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(NewLocker),
	fx.Provide(New),
	fx.Invoke(RegisterLifecycle),
)

// ProvideConfig takes the cron schedules from the compensation settings.
// Schedules are read once; a reload only affects amounts and modes.
func ProvideConfig(cfg config.Config, comp *config.CompensationConfigHolder) Config {
	c := DefaultConfig()
	c.Enabled = cfg.SchedulerEnabled
	c.RelayMaxAttempts = cfg.OutboxMaxAttempts
	if comp != nil {
		settings := comp.Get()
		c.WeeklyCloseSpec = settings.WeeklyCloseSchedule
		c.MonthlyRankSpec = settings.MonthlyRankSchedule
		c.ExpirySpec = settings.ExpirySchedule
		c.RelaySpec = settings.OutboxRelaySchedule
	}
	if jobs := strings.TrimSpace(cfg.SchedulerJobs); jobs != "" {
		c.EnabledJobs = strings.Split(jobs, ",")
	}
	return c
}

func RegisterLifecycle(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sched.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return sched.Stop(stopCtx)
		},
	})
}
