package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// withMigrate opens the embedded Postgres source against databaseURL and
// closes it once fn returns.
func withMigrate(databaseURL string, fn func(m *migrate.Migrate) error) error {
	source, err := iofs.New(migrationsFS, postgresMigrationsDir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()
	return fn(m)
}

// RunMigrations applies every pending assets/users migration
func RunMigrations(databaseURL string) error {
	return withMigrate(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigrations reverts the last steps migrations
func RollbackMigrations(databaseURL string, steps int) error {
	if steps < 1 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrate(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back %d migration(s): %w", steps, err)
		}
		return nil
	})
}

// MigrationVersion reports the applied version; zero when nothing ran yet
func MigrationVersion(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrate(databaseURL, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to get migration version: %w", verr)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}
