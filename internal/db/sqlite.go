// Package db opens the SQLite event archive and applies its migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// Mode selects how a pool is tuned.
type Mode int

const (
	// ModeWrite is a single-connection pool that takes the write lock at
	// BEGIN, so concurrent archive inserts queue instead of failing.
	ModeWrite Mode = iota
	// ModeRead is a multi-connection pool for listings.
	ModeRead
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeRead:
		return "read"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Options tunes the archive pools. Zero values take the defaults.
type Options struct {
	ReadConns   int           // read pool size, default 4
	BusyTimeout time.Duration // lock wait before SQLITE_BUSY, default 5s
}

func (o Options) withDefaults() Options {
	if o.ReadConns <= 0 {
		o.ReadConns = 4
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	return o
}

// Open opens one pool on the SQLite file at path in WAL mode and pings it.
func Open(ctx context.Context, path string, mode Mode, opts Options) (*sql.DB, error) {
	opts = opts.withDefaults()
	conns := 1
	switch mode {
	case ModeWrite:
	case ModeRead:
		conns = opts.ReadConns
	default:
		return nil, fmt.Errorf("open sqlite: unknown %s", mode)
	}

	db, err := sql.Open("sqlite3", dsn(path, mode, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s pool: %w", mode, err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s pool: %w", mode, err)
	}
	return db, nil
}

// OpenSQLitePair opens the writer and reader pools for the same file.
// Archive inserts go through the writer while API listings read concurrently.
func OpenSQLitePair(ctx context.Context, path string, opts Options) (writeDB, readDB *sql.DB, err error) {
	if writeDB, err = Open(ctx, path, ModeWrite, opts); err != nil {
		return nil, nil, err
	}
	if readDB, err = Open(ctx, path, ModeRead, opts); err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}
	return writeDB, readDB, nil
}

// Archive is a migrated writer/reader pool pair.
type Archive struct {
	Path    string
	WriteDB *sql.DB
	ReadDB  *sql.DB
}

// OpenArchive creates the parent directory of path if needed, opens the
// pool pair and applies pending migrations.
func OpenArchive(ctx context.Context, path string, opts Options) (*Archive, error) {
	if path == "" {
		return nil, errors.New("archive path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	writeDB, readDB, err := OpenSQLitePair(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, writeDB); err != nil {
		_ = readDB.Close()
		_ = writeDB.Close()
		return nil, err
	}
	return &Archive{Path: path, WriteDB: writeDB, ReadDB: readDB}, nil
}

// Checkpoint truncates the WAL file. Run after large purges so the space
// freed by deleted events is returned to the filesystem.
func (a *Archive) Checkpoint(ctx context.Context) error {
	if _, err := a.WriteDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint archive: %w", err)
	}
	return nil
}

// Close closes both pools.
func (a *Archive) Close() error {
	return errors.Join(a.ReadDB.Close(), a.WriteDB.Close())
}

func dsn(path string, mode Mode, busy time.Duration) string {
	q := url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_busy_timeout": {strconv.FormatInt(busy.Milliseconds(), 10)},
	}
	if mode == ModeWrite {
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}
