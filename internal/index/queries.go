package index

import (
	"context"
	"database/sql"

	"github.com/barecat/barecat/internal/barepath"
)

// DirEntry is one child of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ListDirNames returns the immediate children of dir split into subdir
// names and file names, both in lexical order.
func (s *Store) ListDirNames(ctx context.Context, dir string) (subdirs, files []string, err error) {
	subRows, err := s.db.QueryContext(ctx, `SELECT path FROM dirs WHERE parent = ? ORDER BY path`, dir)
	if err != nil {
		return nil, nil, err
	}
	defer subRows.Close()
	for subRows.Next() {
		var p string
		if err := subRows.Scan(&p); err != nil {
			return nil, nil, err
		}
		subdirs = append(subdirs, barepath.Base(p))
	}
	if err := subRows.Err(); err != nil {
		return nil, nil, err
	}

	fileRows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE parent = ? ORDER BY path`, dir)
	if err != nil {
		return nil, nil, err
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var p string
		if err := fileRows.Scan(&p); err != nil {
			return nil, nil, err
		}
		files = append(files, barepath.Base(p))
	}
	return subdirs, files, fileRows.Err()
}

// IterdirFiles streams the FileRecords of dir's direct file children,
// ordered by path, invoking visit for each. Returning a non-nil error from
// visit stops iteration and is propagated.
func (s *Store) IterdirFiles(ctx context.Context, dir string, visit func(*FileRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns
		 FROM files WHERE parent = ? ORDER BY path`, dir)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRecord
		var crc, mode, uid, gid, mtime sql.NullInt64
		if err := rows.Scan(&f.Path, &f.Parent, &f.Shard, &f.Offset, &f.Size, &crc, &mode, &uid, &gid, &mtime); err != nil {
			return err
		}
		applyNullableFileFields(&f, crc, mode, uid, gid, mtime)
		if err := visit(&f); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return rows.Err()
}

// IterdirSubdirs streams dir's direct subdir children, ordered by path.
func (s *Store) IterdirSubdirs(ctx context.Context, dir string, visit func(*DirRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, parent, num_subdirs, num_files, num_files_tree, size_tree, mode, uid, gid, mtime_ns
		 FROM dirs WHERE parent = ? ORDER BY path`, dir)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDirsRowsInto(rows)
		if err != nil {
			return err
		}
		if err := visit(d); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return rows.Err()
}

func scanDirsRowsInto(rows *sql.Rows) (*DirRecord, error) {
	var d DirRecord
	var parent sql.NullString
	var mode, uid, gid, mtime sql.NullInt64
	if err := rows.Scan(&d.Path, &parent, &d.NumSubdirs, &d.NumFiles, &d.NumFilesTree, &d.SizeTree, &mode, &uid, &gid, &mtime); err != nil {
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

// GlobCandidateFiles streams every file whose path falls in the
// lexicographic range [low, high), invoking visit for each. This is the
// prefix-bounded range scan that makes a literal-prefix glob cheap instead
// of a full table scan. When high == "" the scan is unbounded above.
func (s *Store) GlobCandidateFiles(ctx context.Context, low, high string, visit func(*FileRecord) error) error {
	query := `SELECT path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns
	          FROM files WHERE path >= ?`
	args := []any{low}
	if high != "" {
		query += ` AND path < ?`
		args = append(args, high)
	}
	query += ` ORDER BY path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRecord
		var crc, mode, uid, gid, mtime sql.NullInt64
		if err := rows.Scan(&f.Path, &f.Parent, &f.Shard, &f.Offset, &f.Size, &crc, &mode, &uid, &gid, &mtime); err != nil {
			return err
		}
		applyNullableFileFields(&f, crc, mode, uid, gid, mtime)
		if err := visit(&f); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return rows.Err()
}

// GapPair is one adjacent pair of files on the same shard, ordered by
// (shard, offset). (The defragmenter computes its gaps with its own
// gapRegion type and does not use GapPair.)
type GapPair struct {
	Shard                int64
	PrevPath             string
	PrevOffset, PrevSize int64
	NextPath             string
	NextOffset           int64
	Gap                  int64 // NextOffset - (PrevOffset + PrevSize)
}

// IterateOrderedFiles streams every file ordered by (shard, offset), the
// traversal order both defrag strategies rely on.
func (s *Store) IterateOrderedFiles(ctx context.Context, desc bool, visit func(*FileRecord) error) error {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns
		 FROM files ORDER BY shard `+order+`, offset `+order)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRecord
		var crc, mode, uid, gid, mtime sql.NullInt64
		if err := rows.Scan(&f.Path, &f.Parent, &f.Shard, &f.Offset, &f.Size, &crc, &mode, &uid, &gid, &mtime); err != nil {
			return err
		}
		applyNullableFileFields(&f, crc, mode, uid, gid, mtime)
		if err := visit(&f); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastFile returns the file with the greatest (shard, offset). (The
// allocator takes the last shard and its length from the shard store, not
// from this query.) Returns (nil, nil) if the archive has no files yet.
func (s *Store) LastFile(ctx context.Context) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns
		 FROM files ORDER BY shard DESC, offset DESC LIMIT 1`)
	f, err := scanFileRow(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return f, err
}

// MaxShard returns the highest shard index referenced by any file, or -1 if
// the archive has no files.
func (s *Store) MaxShard(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(shard) FROM files`).Scan(&v)
	if err != nil {
		return -1, err
	}
	if !v.Valid {
		return -1, nil
	}
	return v.Int64, nil
}

// CountFilesAndSize returns the total number of files and bytes in the
// archive, equivalent to root's aggregate, exposed directly for
// Store-level callers that don't want to go through dirs[""].
func (s *Store) CountFilesAndSize(ctx context.Context) (count, size int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files`).Scan(&count, &size)
	return
}

// DescendantFilePathsTx returns the paths of every file strictly under dir
// (not dir itself, since files never equal a directory path), within tx. Used
// by the mutator for rename-dir's descendant rewrite and for delete-dir-
// recursive's bottom-up deletion. dir=="" (root) matches every file, since
// every path is under the root.
func (s *Store) DescendantFilePathsTx(ctx context.Context, tx *sql.Tx, dir string) ([]string, error) {
	prefix := dir + "/"
	if barepath.IsRoot(dir) {
		prefix = ""
	}
	low, high := barepath.RangeBounds(prefix)
	query := `SELECT path FROM files WHERE path >= ?`
	args := []any{low}
	if high != "" {
		query += ` AND path < ?`
		args = append(args, high)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DescendantDirPathsTx returns the paths of every directory strictly under
// dir, within tx. dir=="" (root) matches every other directory, since every
// directory is under the root; the root's own row is excluded explicitly
// because an empty prefix's range otherwise includes path=="" itself.
func (s *Store) DescendantDirPathsTx(ctx context.Context, tx *sql.Tx, dir string) ([]string, error) {
	prefix := dir + "/"
	if barepath.IsRoot(dir) {
		prefix = ""
	}
	low, high := barepath.RangeBounds(prefix)
	query := `SELECT path FROM dirs WHERE path >= ?`
	args := []any{low}
	if high != "" {
		query += ` AND path < ?`
		args = append(args, high)
	}
	if barepath.IsRoot(dir) {
		query += ` AND path != ''`
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
