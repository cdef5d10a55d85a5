// Package migrations wires golang-migrate/migrate/v4 to back the
// `server upgrade` CLI command (spec.md §6.2). The teacher declares this
// dependency in go.mod but never calls it anywhere in the pack (grep
// confirms zero call sites); this package is the genuine wiring DESIGN.md
// commits to instead of treating the dependency as dead weight. Migration
// files live under internal/platform/migrations/sql and are embedded into
// the binary so `server upgrade` has no runtime dependency on the source
// tree.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Upgrade applies every registered migration not yet applied to the
// database reachable at dsn. Returns nil if the schema is already current.
func Upgrade(dsn string) error {
	source, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return fmt.Errorf("migrations: load embedded source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Version reports the currently applied migration version, or (0, false)
// on a database that has never been migrated.
func Version(dsn string) (uint, bool, error) {
	source, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return 0, false, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, !dirty, nil
}

// latestVersion walks the embedded migration source to find the highest
// registered version, so UpToDate can tell "never migrated" apart from
// "behind the version this binary ships".
func latestVersion() (uint, error) {
	source, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return 0, err
	}
	v, err := source.First()
	if err != nil {
		return 0, err
	}
	latest := v
	for {
		next, err := source.Next(v)
		if err != nil {
			break
		}
		latest = next
		v = next
	}
	return latest, nil
}

// UpToDate reports whether the database at dsn has every migration this
// binary ships applied and clean (neither behind nor dirty).
func UpToDate(dsn string) (bool, error) {
	latest, err := latestVersion()
	if err != nil {
		return false, fmt.Errorf("migrations: determine latest version: %w", err)
	}
	current, clean, err := Version(dsn)
	if err != nil {
		return false, err
	}
	return clean && current == latest, nil
}
