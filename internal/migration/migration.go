package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const schemaMigrationsTable = "binaryplan_schema_migrations"

// ErrDirtySchema means a previous run failed halfway; an operator has to
// repair the schema and force the version before the service can start.
var ErrDirtySchema = errors.New("schema is dirty")

// SchemaVersion is the state of the schema after RunMigrations.
type SchemaVersion struct {
	Version uint
	Changed bool
}

// RunMigrations applies the embedded postgres migrations and reports the
// resulting version. Against an up-to-date schema it changes nothing.
func RunMigrations(db *sql.DB) (SchemaVersion, error) {
	if db == nil {
		return SchemaVersion{}, errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: schemaMigrationsTable})
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("create migrator: %w", err)
	}
	// migrator.Close would close the shared *sql.DB.

	before, dirty, err := currentVersion(migrator)
	if err != nil {
		return SchemaVersion{}, err
	}
	if dirty {
		return SchemaVersion{Version: before}, fmt.Errorf("%w at version %d", ErrDirtySchema, before)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaVersion{Version: before}, fmt.Errorf("apply migrations: %w", err)
	}

	after, _, err := currentVersion(migrator)
	if err != nil {
		return SchemaVersion{}, err
	}
	return SchemaVersion{Version: after, Changed: after != before}, nil
}

func currentVersion(m *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}
