// Package index owns the relational metadata store backing a Barecat
// archive: schema, triggers, and the prepared queries used by the
// allocator, reader, directory view, mutator, and defragmenter.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Mode selects how the underlying SQLite connection is opened.
type Mode int

const (
	// ModeReadOnly opens an existing index for reading only.
	ModeReadOnly Mode = iota
	// ModeReadWrite opens an index for reading and writing, creating the
	// file if it does not exist yet.
	ModeReadWrite
	// ModeCreateNew creates a new index file; fails if one already exists.
	ModeCreateNew
)

// Store owns the SQLite connection for one archive's index file
// (<base>-sqlite-index) and exposes the schema's tables through typed
// methods. A single *sql.DB connection is used, since Barecat is
// single-writer, to avoid SQLITE_BUSY surprises from concurrent statements
// racing on one file.
type Store struct {
	db       *sql.DB
	path     string
	readonly bool
}

// Config holds the options for opening an index file.
type Config struct {
	Path        string
	Mode        Mode
	BusyTimeout time.Duration
}

// DefaultBusyTimeout is how long a statement waits on SQLITE_BUSY before
// giving up.
const DefaultBusyTimeout = 5 * time.Second

// Open opens or creates the index file described by cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}

	mode := "rwc"
	switch cfg.Mode {
	case ModeReadOnly:
		mode = "ro"
	case ModeCreateNew:
		mode = "rwc"
		if _, err := os.Stat(cfg.Path); err == nil {
			return nil, fmt.Errorf("index: create %s: %w", cfg.Path, ErrExists)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("index: stat %s: %w", cfg.Path, err)
		}
	}

	// recursive_triggers lets trg_dir_propagate re-fire itself one level up
	// at a time until the root is reached.
	dsn := fmt.Sprintf("file:%s?mode=%s&_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL&_pragma=recursive_triggers(1)",
		cfg.Path, mode, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		path:     cfg.Path,
		readonly: cfg.Mode == ModeReadOnly,
	}

	if cfg.Mode != ModeReadOnly {
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the index file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying connection for callers (such as tests) that
// need ad hoc access beyond the typed methods below.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit tx: %w", err)
	}
	return nil
}

// SetUseTriggers toggles config.use_triggers. Used by bulk import to
// disable aggregate maintenance and by the mutator to disable it for
// descendant rewrites during rename-dir (see DESIGN.md).
func (s *Store) SetUseTriggers(ctx context.Context, tx *sql.Tx, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE config SET value_int = ? WHERE key = 'use_triggers'`, v)
	return err
}

// UseTriggers reports the current value of config.use_triggers.
func (s *Store) UseTriggers(ctx context.Context) (bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value_int FROM config WHERE key = 'use_triggers'`).Scan(&v)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// ConfigInt reads an integer config value.
func (s *Store) ConfigInt(ctx context.Context, key string) (int64, bool, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value_int FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// SetConfigInt writes an integer config value.
func (s *Store) SetConfigInt(ctx context.Context, key string, v int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value_int) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_int = excluded.value_int`, key, v)
	return err
}

// ShardSizeLimit returns config.shard_size_limit, falling back to
// DefaultShardSizeLimit when unset.
func (s *Store) ShardSizeLimit(ctx context.Context) (int64, error) {
	v, ok, err := s.ConfigInt(ctx, "shard_size_limit")
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultShardSizeLimit, nil
	}
	return v, nil
}
