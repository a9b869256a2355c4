package events

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/binaryplan/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(
		NewOutbox,
		func(o *Outbox) Publisher { return o },
		provideSink,
		NewRelay,
	),
)

type sinkParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func provideSink(p sinkParams) Sink {
	logSink := NewLogSink(p.Log)
	if p.Redis == nil {
		return logSink
	}
	return MultiSink{logSink, NewRedisSink(p.Redis, p.Config.EventChannel)}
}
