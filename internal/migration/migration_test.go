package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.Equal(t, ups, downs)
}

func TestInitMigrationCoversEveryTable(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	require.NoError(t, err)
	sql := string(raw)

	conn, err := db.NewTest()
	require.NoError(t, err)
	for _, m := range Models() {
		stmt := conn.Model(m).Statement
		require.NoError(t, stmt.Parse(m))
		require.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+stmt.Schema.Table+" (")
	}
	require.Contains(t, sql, "WHERE status = 'ACTIVE'")
}

func TestMigrateUsesAutoMigrateOutsidePostgres(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	cfg := config.Config{DBType: "sqlite", MigrateOnStart: true}
	require.NoError(t, Migrate(conn, cfg, zap.NewNop()))

	for _, m := range Models() {
		require.True(t, conn.Migrator().HasTable(m))
	}
}

func TestMigrateDisabled(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	require.NoError(t, Migrate(conn, config.Config{DBType: "sqlite"}, zap.NewNop()))
	require.False(t, conn.Migrator().HasTable("members"))
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	_, err := RunMigrations(nil)
	require.Error(t, err)
}
