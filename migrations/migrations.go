// Package migrations embeds the goose SQL migrations for the Postgres stores.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

var setupOnce sync.Once

func setup() {
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		if err := goose.SetDialect("postgres"); err != nil {
			panic(err)
		}
	})
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	setup()
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Run executes a goose command (up, down, status, version, redo, ...).
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	setup()
	return goose.RunContext(ctx, command, db, ".", args...)
}
