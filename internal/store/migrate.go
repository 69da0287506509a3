package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newMigrator(url string) (*migrate.Migrate, *sql.DB, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, nil, fmt.Errorf("open migration connection: %w", err)
	}

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, db, nil
}

// MigrateUp applies all pending migrations.
func MigrateUp(url string, logger zerolog.Logger) error {
	m, db, err := newMigrator(url)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug().Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info().Msg("migrations applied")
	return nil
}

// MigrateDown rolls back steps migrations, or everything when steps <= 0.
func MigrateDown(url string, steps int, logger zerolog.Logger) error {
	m, db, err := newMigrator(url)
	if err != nil {
		return err
	}
	defer db.Close()

	if steps <= 0 {
		err = m.Down()
	} else {
		err = m.Steps(-steps)
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug().Msg("nothing to roll back")
			return nil
		}
		return fmt.Errorf("roll back migrations: %w", err)
	}
	logger.Info().Int("steps", steps).Msg("migrations rolled back")
	return nil
}
