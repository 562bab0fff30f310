// Package migrations holds the sqlite schema for agent memory.
//
// memories keeps one row per (item, agent), keyed by the deterministic memory
// id so imports can insert blindly. accounts, rooms and participants record who
// took part in which conversation.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed *.sql
var schema embed.FS

// Run applies any pending schema versions. A schema that's already current is left alone.
func Run(dbx *sqlx.DB) error {
	src, err := iofs.New(schema, ".")
	if err != nil {
		return fmt.Errorf("error reading embedded schema: %s", err)
	}
	target, err := sqlite.WithInstance(dbx.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("error preparing memory database: %s", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", target)
	if err != nil {
		return fmt.Errorf("error creating migrator: %s", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return fmt.Errorf("error applying schema: %s", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("memory schema ready", "version", version, "dirty", dirty)

	return nil
}
