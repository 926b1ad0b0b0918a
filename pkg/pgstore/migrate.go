package pgstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema at databaseURL (a postgres:// URL) up to date.
// A dirty version left by an interrupted run is forced before migrating.
func Migrate(databaseURL string, logger zerolog.Logger) (err error) {
	logger = logger.With().Str("component", "Migrator").Logger()

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(sourceErr, dbErr)
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		logger.Warn().Uint("version", version).Msg("Schema is dirty, forcing version before migrating.")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force schema version %d: %w", version, err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Msg("Schema is up to date.")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	newVersion, _, _ := m.Version()
	logger.Info().Uint("version", newVersion).Msg("Schema migrated.")
	return nil
}
