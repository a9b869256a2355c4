package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/aggregation"
	"github.com/smallbiznis/binaryplan/internal/cache"
	"github.com/smallbiznis/binaryplan/internal/catalog"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/internal/events"
	"github.com/smallbiznis/binaryplan/internal/membership"
	"github.com/smallbiznis/binaryplan/internal/migration"
	"github.com/smallbiznis/binaryplan/internal/network"
	"github.com/smallbiznis/binaryplan/internal/observability"
	"github.com/smallbiznis/binaryplan/internal/points"
	"github.com/smallbiznis/binaryplan/internal/rank"
	"github.com/smallbiznis/binaryplan/internal/scheduler"
	"github.com/smallbiznis/binaryplan/internal/server"
	"github.com/smallbiznis/binaryplan/internal/volume"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		cache.Module,
		clock.Module,
		events.Module,
		aggregation.Module,

		// Domains
		catalog.Module,
		network.Module,
		points.Module,
		volume.Module,
		rank.Module,
		membership.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
