package storage

import (
	stderrors "errors"
	"fmt"

	"github.com/finance-importer/migrations"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate moves the schema built into the binary. steps == 0 applies every pending
// migration, a negative count rolls that many back. Being up to date is not an error.
func Migrate(databaseURL string, steps int) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		var err error
		if steps == 0 {
			err = m.Up()
		} else {
			err = m.Steps(steps)
		}
		if err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations (steps=%d): %w", steps, err)
		}
		return nil
	})
}

// SchemaVersion reports the applied version; 0 means nothing has been applied
func SchemaVersion(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		var verErr error
		version, dirty, verErr = m.Version()
		if stderrors.Is(verErr, migrate.ErrNilVersion) {
			return nil
		}
		return verErr
	})
	return version, dirty, err
}

func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	src, err := iofs.New(migrations.Postgres, "postgres")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	return fn(m)
}
