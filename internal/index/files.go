package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/barecat/barecat/internal/barepath"
)

// LookupFile returns the file record at path, or ErrNotFound.
func (s *Store) LookupFile(ctx context.Context, path string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns
		 FROM files WHERE path = ?`, path)
	return scanFileRow(row)
}

func scanFileRow(row *sql.Row) (*FileRecord, error) {
	var f FileRecord
	var crc, mode, uid, gid, mtime sql.NullInt64
	err := row.Scan(&f.Path, &f.Parent, &f.Shard, &f.Offset, &f.Size, &crc, &mode, &uid, &gid, &mtime)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	applyNullableFileFields(&f, crc, mode, uid, gid, mtime)
	return &f, nil
}

func applyNullableFileFields(f *FileRecord, crc, mode, uid, gid, mtime sql.NullInt64) {
	if crc.Valid {
		v := uint32(crc.Int64)
		f.CRC32C = &v
	}
	if mode.Valid {
		v := uint32(mode.Int64)
		f.Mode = &v
	}
	if uid.Valid {
		v := uint32(uid.Int64)
		f.UID = &v
	}
	if gid.Valid {
		v := uint32(gid.Int64)
		f.GID = &v
	}
	if mtime.Valid {
		f.MtimeNs = &mtime.Int64
	}
}

// InsertFile inserts a new file row within tx. Callers must have already
// ensured f.Parent exists as a dirs row; this is what fires
// trg_file_insert's upward aggregate propagation.
func (s *Store) InsertFile(ctx context.Context, tx *sql.Tx, f *FileRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO files (path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Path, f.Parent, f.Shard, f.Offset, f.Size,
		nullableUint32(f.CRC32C), nullableUint32(f.Mode), nullableUint32(f.UID), nullableUint32(f.GID), nullableInt64(f.MtimeNs))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// DeleteFile removes a file row. The parent's aggregates are decremented by
// trg_file_delete.
func (s *Store) DeleteFile(ctx context.Context, tx *sql.Tx, path string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RenameFile moves a file to newPath (and therefore, usually, a new
// parent). trg_file_move fires automatically when the parent changes.
func (s *Store) RenameFile(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	newParent := barepath.Parent(newPath)
	res, err := tx.ExecContext(ctx,
		`UPDATE files SET path = ?, parent = ? WHERE path = ?`, newPath, newParent, oldPath)
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

// ResizeFile updates a file's recorded size. trg_file_resize propagates the
// delta to size_tree upward.
func (s *Store) ResizeFile(ctx context.Context, tx *sql.Tx, path string, newSize int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE files SET size = ? WHERE path = ?`, newSize, path)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RelocateFile updates a file's (shard, offset) without touching size or
// path, used exclusively by the defragmenter. No trigger fires: shard and
// offset carry no aggregate-propagation semantics.
func (s *Store) RelocateFile(ctx context.Context, tx *sql.Tx, path string, shard, offset int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE files SET shard = ?, offset = ? WHERE path = ?`, shard, offset, path)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("index: relocate %s to (%d,%d): %w", path, shard, offset, ErrExists)
		}
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFileAttr updates the optional metadata fields of a file (chmod/
// chown/utime), leaving path/shard/offset/size untouched.
func (s *Store) SetFileAttr(ctx context.Context, path string, mode, uid, gid *uint32, mtimeNs *int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanFileRow(tx.QueryRowContext(ctx,
			`SELECT path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns FROM files WHERE path = ?`, path))
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
			`UPDATE files SET mode = ?, uid = ?, gid = ?, mtime_ns = ? WHERE path = ?`,
			nullableUint32(rec.Mode), nullableUint32(rec.UID), nullableUint32(rec.GID), nullableInt64(rec.MtimeNs), path)
		return err
	})
}

func nullableUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
