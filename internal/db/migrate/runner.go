// Package migrate applies the schema from an explicit list of SQL migrations using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"session-control-plane/backend/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Source is the set of migration files handed to the runner at startup.
type Source struct {
	FS  fs.FS
	Dir string
}

// SessionSchema returns the embedded event and projection tables.
func SessionSchema() Source {
	return Source{FS: db.MigrationFS, Dir: "migrations"}
}

// Run applies migrations from src in the given direction ("up" or "down").
// Returns nil when already at the target version.
func Run(dsn, direction string, src Source) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	m, err := open(dsn, src)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Version reports the current schema version and whether the last migration left it dirty.
func Version(dsn string, src Source) (version uint, dirty bool, err error) {
	m, err := open(dsn, src)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func open(dsn string, src Source) (*migrate.Migrate, error) {
	if src.FS == nil {
		return nil, errors.New("migrate: no migration source")
	}
	sourceDriver, err := iofs.New(src.FS, src.Dir)
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}
