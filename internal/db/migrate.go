package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

func migrations(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(EmbedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("archive migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("archive migrations: %w", err)
	}
	return p, nil
}

// RunMigrations brings the archive schema up to date.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	p, err := migrations(db)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// SchemaVersion reports the newest applied archive migration.
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	p, err := migrations(db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
