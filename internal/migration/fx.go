package migration

import (
	"strings"

	"github.com/smallbiznis/binaryplan/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Migrate),
)

// Migrate brings the schema up to date when MigrateOnStart is set. It runs
// during construction so later OnStart hooks, such as the catalog seed,
// always see the tables.
func Migrate(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.MigrateOnStart {
		return nil
	}
	log = log.Named("migration")

	if strings.ToLower(cfg.DBType) != "postgres" {
		log.Info("auto migrating schema", zap.String("dialect", cfg.DBType))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema ready",
		zap.Uint("version", version.Version),
		zap.Bool("changed", version.Changed),
	)
	return nil
}
