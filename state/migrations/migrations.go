// Package migrations holds goose migrations for schema changes that the
// CREATE TABLE IF NOT EXISTS bootstrap in the table constructors cannot
// express, i.e. changes to columns that already exist in older deployments.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var migrationsFS embed.FS

// Up applies all pending migrations.
func Up(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
