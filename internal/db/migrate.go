package db

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/calibration.collector/internal/monitoring"
)

// MigrateUp applies every pending migration. An up-to-date schema is not an
// error.
func (db *DB) MigrateUp(migrations fs.FS) error {
	m, err := db.migrator(migrations)
	if err != nil {
		return err
	}
	// m is not closed: closing it closes db.DB as well.
	if err := ignoreNoChange(m.Up()); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrateDown reverts the latest applied migration.
func (db *DB) MigrateDown(migrations fs.FS) error {
	m, err := db.migrator(migrations)
	if err != nil {
		return err
	}
	if err := ignoreNoChange(m.Steps(-1)); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// MigrateVersion reports the applied schema version, 0 on a fresh database.
func (db *DB) MigrateVersion(migrations fs.FS) (uint, bool, error) {
	m, err := db.migrator(migrations)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (db *DB) migrator(migrations fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	m.Log = migrateLog{}
	return m, nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// migrateLog routes migrate's messages to monitoring.
type migrateLog struct{}

func (migrateLog) Printf(format string, v ...any) { monitoring.Logf("migrate: "+format, v...) }
func (migrateLog) Verbose() bool                  { return false }
