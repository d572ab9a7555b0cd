package index

import (
	"context"
	"database/sql"

	"github.com/barecat/barecat/internal/barepath"
)

// LookupDir returns the dir record at path, or ErrNotFound.
func (s *Store) LookupDir(ctx context.Context, path string) (*DirRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns
		 FROM dirs WHERE path = ?`, path)
	return scanDirRow(row)
}

// LookupDirTx is LookupDir run against a transaction's view.
func (s *Store) LookupDirTx(ctx context.Context, tx *sql.Tx, path string) (*DirRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT path, parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns
		 FROM dirs WHERE path = ?`, path)
	return scanDirRow(row)
}

func scanDirRow(row *sql.Row) (*DirRecord, error) {
	var d DirRecord
	var parent sql.NullString
	var mode, uid, gid, mtime sql.NullInt64
	err := row.Scan(&d.Path, &parent, &d.NumSubdirs, &d.NumFiles, &d.NumFilesTree, &d.SizeTree, &mode, &uid, &gid, &mtime)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		d.Parent = &parent.String
	}
	if mode.Valid {
		v := uint32(mode.Int64)
		d.Mode = &v
	}
	if uid.Valid {
		v := uint32(uid.Int64)
		d.UID = &v
	}
	if gid.Valid {
		v := uint32(gid.Int64)
		d.GID = &v
	}
	if mtime.Valid {
		d.MtimeNs = &mtime.Int64
	}
	return &d, nil
}

// InsertDir creates a new, empty directory row within tx. trg_dir_insert
// increments the parent's num_subdirs (and propagates the new subtree's
// aggregates, zero for a freshly created directory).
func (s *Store) InsertDir(ctx context.Context, tx *sql.Tx, path string, mode, uid, gid *uint32, mtimeNs *int64) error {
	parent := dirParentColumn(path)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dirs (path, parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns)
		 VALUES (?, ?, 0, 0, 0, 0, ?, ?, ?, ?)`,
		path, parent, nullableUint32(mode), nullableUint32(uid), nullableUint32(gid), nullableInt64(mtimeNs))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// dirParentColumn returns the value to store in dirs.parent for path: NULL
// for root, else barepath.Parent(path), which may itself be "" (root).
func dirParentColumn(path string) any {
	if barepath.IsRoot(path) {
		return nil
	}
	return barepath.Parent(path)
}

// EnsureDirPath creates path and any missing ancestors within tx,
// inserting missing ones in root-to-leaf order so each insertion's own
// parent already exists. Each insertion fires the normal
// upward-propagating trg_dir_insert trigger.
func (s *Store) EnsureDirPath(ctx context.Context, tx *sql.Tx, path string, mode, uid, gid *uint32, mtimeNs *int64) error {
	if barepath.IsRoot(path) {
		return nil
	}

	// Walk up collecting missing ancestors, then create them root-down.
	var missing []string
	for p := path; !barepath.IsRoot(p); p = barepath.Parent(p) {
		_, err := s.LookupDirTx(ctx, tx, p)
		if err == nil {
			break
		}
		if err != ErrNotFound {
			return err
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := s.InsertDir(ctx, tx, missing[i], nil, nil, nil, nil); err != nil && err != ErrExists {
			return err
		}
	}
	if mode != nil || uid != nil || gid != nil || mtimeNs != nil {
		_, err := tx.ExecContext(ctx,
			`UPDATE dirs SET mode = ?, uid = ?, gid = ?, mtime_ns = ? WHERE path = ?`,
			nullableUint32(mode), nullableUint32(uid), nullableUint32(gid), nullableInt64(mtimeNs), path)
		return err
	}
	return nil
}

// DeleteDir removes an empty, non-root directory row, returning
// ErrDirNotEmpty if it still has file or subdir children. trg_dir_delete
// decrements the parent's num_subdirs (subtree aggregates are zero for an
// empty directory, so nothing further propagates).
func (s *Store) DeleteDir(ctx context.Context, tx *sql.Tx, path string) error {
	if barepath.IsRoot(path) {
		return ErrDirNotEmpty
	}
	var children int
	if err := tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM files WHERE parent = ?) + (SELECT COUNT(*) FROM dirs WHERE parent = ?)`,
		path, path).Scan(&children); err != nil {
		return err
	}
	if children > 0 {
		return ErrDirNotEmpty
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM dirs WHERE path = ?`, path)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasChildren reports whether path has any direct file or subdir children.
func (s *Store) HasChildren(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM files WHERE parent = ?) + (SELECT COUNT(*) FROM dirs WHERE parent = ?)`,
		path, path).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenameDirRoot updates a single directory row's own path and parent: the
// root of the moved subtree. If newParent equals the directory's current
// parent (a same-directory rename), trg_dir_move's WHEN clause is false
// and no aggregate propagation occurs: renaming "d" to "e" in place
// leaves the root's own num_subdirs unchanged.
func (s *Store) RenameDirRoot(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	newParent := dirParentColumn(newPath)
	res, err := tx.ExecContext(ctx, `UPDATE dirs SET path = ?, parent = ? WHERE path = ?`, newPath, newParent, oldPath)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RewriteDescendantDirPath updates one descendant directory's path/parent
// during a directory rename, without touching aggregates. Callers must
// disable triggers (Store.SetUseTriggers) for the duration; see
// archive's renameDirTx and DESIGN.md.
func (s *Store) RewriteDescendantDirPath(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	newParent := dirParentColumn(newPath)
	_, err := tx.ExecContext(ctx, `UPDATE dirs SET path = ?, parent = ? WHERE path = ?`, newPath, newParent, oldPath)
	return err
}

// RewriteDescendantFilePath updates one descendant file's path/parent
// during a directory rename. Same no-trigger discipline as above.
func (s *Store) RewriteDescendantFilePath(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	newParent := barepath.Parent(newPath)
	_, err := tx.ExecContext(ctx, `UPDATE files SET path = ?, parent = ? WHERE path = ?`, newPath, newParent, oldPath)
	return err
}

// SetDirAttr updates a directory's optional metadata fields.
func (s *Store) SetDirAttr(ctx context.Context, path string, mode, uid, gid *uint32, mtimeNs *int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := s.LookupDirTx(ctx, tx, path)
		if err != nil {
			return err
		}
		if mode != nil {
			rec.Mode = mode
		}
		if uid != nil {
			rec.UID = uid
		}
		if gid != nil {
			rec.GID = gid
		}
		if mtimeNs != nil {
			rec.MtimeNs = mtimeNs
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE dirs SET mode = ?, uid = ?, gid = ?, mtime_ns = ? WHERE path = ?`,
			nullableUint32(rec.Mode), nullableUint32(rec.UID), nullableUint32(rec.GID), nullableInt64(rec.MtimeNs), path)
		return err
	})
}
