package index

import "fmt"

// schema defines the three tables of the data model: files, dirs, and
// config. parent is stored as a plain indexed column rather than a SQL
// GENERATED column, but it is
// only ever written by this package's own functions, computed from path via
// internal/barepath, so it stays a true derived attribute in practice: no
// exported API lets a caller set it independently.
//
// dirs.parent is NULL only for the root ("") row; every other row's parent
// is a (possibly empty-string) path that must reference an existing dirs
// row. That NULL is what stops the trigger cascade at the root.
const schema = `
CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value_text TEXT,
	value_int  INTEGER
);

CREATE TABLE IF NOT EXISTS dirs (
	path            TEXT PRIMARY KEY,
	parent          TEXT,
	num_subdirs     INTEGER NOT NULL DEFAULT 0,
	num_files       INTEGER NOT NULL DEFAULT 0,
	num_files_tree  INTEGER NOT NULL DEFAULT 0,
	size_tree       INTEGER NOT NULL DEFAULT 0,
	mode            INTEGER,
	uid             INTEGER,
	gid             INTEGER,
	mtime_ns        INTEGER,
	FOREIGN KEY (parent) REFERENCES dirs(path)
);

CREATE INDEX IF NOT EXISTS idx_dirs_parent ON dirs(parent);

CREATE TABLE IF NOT EXISTS files (
	path      TEXT PRIMARY KEY,
	parent    TEXT NOT NULL,
	shard     INTEGER NOT NULL,
	offset    INTEGER NOT NULL,
	size      INTEGER NOT NULL,
	crc32c    INTEGER,
	mode      INTEGER,
	uid       INTEGER,
	gid       INTEGER,
	mtime_ns  INTEGER,
	FOREIGN KEY (parent) REFERENCES dirs(path)
);

CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_shard_offset ON files(shard, offset);

-- Trigger bodies are guarded by config.use_triggers so bulk import can
-- disable maintenance and rebuild aggregates in one pass, and so the
-- mutator can disable them for descendant-path rewrites during
-- directory rename, where the subtree's own aggregates never change (see
-- DESIGN.md "rename-dir aggregate propagation").

CREATE TRIGGER IF NOT EXISTS trg_file_insert
AFTER INSERT ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_files = num_files + 1,
		num_files_tree = num_files_tree + 1,
		size_tree = size_tree + NEW.size
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_file_delete
AFTER DELETE ON files
WHEN (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_files = num_files - 1,
		num_files_tree = num_files_tree - 1,
		size_tree = size_tree - OLD.size
	WHERE path = OLD.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_file_move
AFTER UPDATE OF parent ON files
WHEN NEW.parent IS NOT OLD.parent
	AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_files = num_files - 1,
		num_files_tree = num_files_tree - 1,
		size_tree = size_tree - OLD.size
	WHERE path = OLD.parent;
	UPDATE dirs SET
		num_files = num_files + 1,
		num_files_tree = num_files_tree + 1,
		size_tree = size_tree + NEW.size
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_file_resize
AFTER UPDATE OF size ON files
WHEN NEW.parent IS OLD.parent AND NEW.size IS NOT OLD.size
	AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		size_tree = size_tree + (NEW.size - OLD.size)
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dir_insert
AFTER INSERT ON dirs
WHEN NEW.parent IS NOT NULL
	AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_subdirs = num_subdirs + 1,
		num_files_tree = num_files_tree + NEW.num_files_tree,
		size_tree = size_tree + NEW.size_tree
	WHERE path = NEW.parent;
END;

CREATE TRIGGER IF NOT EXISTS trg_dir_delete
AFTER DELETE ON dirs
WHEN OLD.parent IS NOT NULL
	AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_subdirs = num_subdirs - 1,
		num_files_tree = num_files_tree - OLD.num_files_tree,
		size_tree = size_tree - OLD.size_tree
	WHERE path = OLD.parent;
END;

-- Moving the single root of a renamed/reparented subtree: the row's own
-- parent literally changes (crosses a real directory boundary). Descendant
-- rewrites during rename-dir happen with triggers disabled, so this never
-- double-fires for them (see archive's renameDirTx).
CREATE TRIGGER IF NOT EXISTS trg_dir_move
AFTER UPDATE OF parent ON dirs
WHEN NEW.parent IS NOT OLD.parent AND OLD.parent IS NOT NULL AND NEW.parent IS NOT NULL
	AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_subdirs = num_subdirs - 1,
		num_files_tree = num_files_tree - OLD.num_files_tree,
		size_tree = size_tree - OLD.size_tree
	WHERE path = OLD.parent;
	UPDATE dirs SET
		num_subdirs = num_subdirs + 1,
		num_files_tree = num_files_tree + NEW.num_files_tree,
		size_tree = size_tree + NEW.size_tree
	WHERE path = NEW.parent;
END;

-- The chain that walks aggregate deltas all the way to the root: any dir
-- whose num_files_tree/size_tree changed propagates the delta to its own
-- parent, which re-fires this same trigger one level up.
CREATE TRIGGER IF NOT EXISTS trg_dir_propagate
AFTER UPDATE OF num_files_tree, size_tree ON dirs
WHEN NEW.parent IS NOT NULL
	AND (NEW.num_files_tree IS NOT OLD.num_files_tree OR NEW.size_tree IS NOT OLD.size_tree)
	AND (SELECT value_int FROM config WHERE key = 'use_triggers') = 1
BEGIN
	UPDATE dirs SET
		num_files_tree = num_files_tree + (NEW.num_files_tree - OLD.num_files_tree),
		size_tree = size_tree + (NEW.size_tree - OLD.size_tree)
	WHERE path = NEW.parent;
END;
`

const (
	// SchemaVersionMajor bumps on incompatible on-disk layout changes.
	SchemaVersionMajor = 1
	// SchemaVersionMinor bumps on backward-compatible additions.
	SchemaVersionMinor = 0

	// DefaultShardSizeLimit is the effectively-unbounded default cap used
	// when no config.shard_size_limit is set.
	DefaultShardSizeLimit int64 = (1 << 63) - 1
)

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("index: create schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO dirs (path, parent, num_subdirs, num_files, num_files_tree, size_tree)
		 VALUES ('', NULL, 0, 0, 0, 0)`)
	if err != nil {
		return fmt.Errorf("index: create root dir: %w", err)
	}

	defaults := []struct {
		key      string
		valInt   int64
		useInt   bool
		valText  string
		useText  bool
	}{
		{key: "use_triggers", valInt: 1, useInt: true},
		{key: "shard_size_limit", valInt: DefaultShardSizeLimit, useInt: true},
		{key: "schema_version_major", valInt: SchemaVersionMajor, useInt: true},
		{key: "schema_version_minor", valInt: SchemaVersionMinor, useInt: true},
	}
	for _, d := range defaults {
		if d.useInt {
			_, err = s.db.Exec(`INSERT OR IGNORE INTO config (key, value_int) VALUES (?, ?)`, d.key, d.valInt)
		} else {
			_, err = s.db.Exec(`INSERT OR IGNORE INTO config (key, value_text) VALUES (?, ?)`, d.key, d.valText)
		}
		if err != nil {
			return fmt.Errorf("index: init config %s: %w", d.key, err)
		}
	}

	var major int64
	if err := s.db.QueryRow(`SELECT value_int FROM config WHERE key = 'schema_version_major'`).Scan(&major); err != nil {
		return fmt.Errorf("index: read schema version: %w", err)
	}
	if major != SchemaVersionMajor {
		return fmt.Errorf("%w: schema_version_major=%d, this build supports %d", ErrCorruptIndex, major, SchemaVersionMajor)
	}

	return nil
}
