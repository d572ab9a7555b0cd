package index

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by the index store. Callers compare with
// errors.Is; the archive package translates these into its own richer
// error kinds (see internal/archive/errors.go) for the public API.
var (
	ErrNotFound     = errors.New("index: not found")
	ErrExists       = errors.New("index: already exists")
	ErrDirNotEmpty  = errors.New("index: directory not empty")
	ErrIsDir        = errors.New("index: is a directory")
	ErrNotDir       = errors.New("index: not a directory")
	ErrCorruptIndex = errors.New("index: corrupt")
)

// isUniqueConstraintError reports whether err came from a SQLite UNIQUE or
// PRIMARY KEY constraint violation. modernc.org/sqlite does not expose a
// typed constraint-violation error, so the result-code text is matched
// directly.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func isForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
