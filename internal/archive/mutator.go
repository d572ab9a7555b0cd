package archive

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/barecat/barecat/internal/barepath"
)

// Delete removes path, which must be a file or an empty directory.
func (a *Archive) Delete(path string) error {
	if err := a.requireNotAppendOnly(); err != nil {
		return err
	}
	norm, err := barepath.Normalize(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	ctx := context.Background()

	isFile, isDir, err := a.classify(norm)
	if err != nil {
		return err
	}
	switch {
	case isFile:
		return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
			return translateIndexErr(a.idx.DeleteFile(ctx, tx, norm))
		})
	case isDir:
		has, err := a.idx.HasChildren(ctx, norm)
		if err != nil {
			return err
		}
		if has {
			return ErrDirNotEmpty
		}
		return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
			return translateIndexErr(a.idx.DeleteDir(ctx, tx, norm))
		})
	default:
		return ErrNotFound
	}
}

// DeleteRecursive removes dir and everything beneath it: descendant files
// first, then descendant directories deepest-first, then dir itself, so
// the upward triggers reduce ancestors' aggregates correctly at each step.
func (a *Archive) DeleteRecursive(dir string) error {
	if err := a.requireNotAppendOnly(); err != nil {
		return err
	}
	norm, err := barepath.Normalize(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if barepath.IsRoot(norm) {
		return ErrIsRoot
	}
	ctx := context.Background()

	return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
		files, err := a.idx.DescendantFilePathsTx(ctx, tx, norm)
		if err != nil {
			return err
		}
		for _, p := range files {
			if err := a.idx.DeleteFile(ctx, tx, p); err != nil {
				return err
			}
		}

		dirs, err := a.idx.DescendantDirPathsTx(ctx, tx, norm)
		if err != nil {
			return err
		}
		sortDeepestFirst(dirs)
		for _, p := range dirs {
			if err := a.idx.DeleteDir(ctx, tx, p); err != nil {
				return err
			}
		}

		return a.idx.DeleteDir(ctx, tx, norm)
	})
}

func sortDeepestFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return strings.Count(paths[i], "/") > strings.Count(paths[j], "/")
	})
}

// Rename moves oldPath to newPath, dispatching to the file or directory
// mutator depending on what oldPath currently is.
func (a *Archive) Rename(oldPath, newPath string, flags RenameFlags) error {
	if err := a.requireNotAppendOnly(); err != nil {
		return err
	}
	oldNorm, err := barepath.Normalize(oldPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	newNorm, err := barepath.Normalize(newPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if barepath.IsRoot(oldNorm) || barepath.IsRoot(newNorm) {
		return ErrIsRoot
	}
	ctx := context.Background()

	isFile, isDir, err := a.classify(oldNorm)
	if err != nil {
		return err
	}
	if !isFile && !isDir {
		return ErrNotFound
	}

	destExists, err := a.Exists(newNorm)
	if err != nil {
		return err
	}
	if destExists {
		switch flags {
		case RenameNoReplace:
			return ErrAlreadyExists
		case RenameExchange:
			return a.exchange(ctx, oldNorm, newNorm, isFile)
		}
		// RenameReplace: remove whatever occupies newNorm first.
		if err := a.removeForReplace(newNorm); err != nil {
			return err
		}
	}

	if isFile {
		return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
			if err := a.idx.EnsureDirPath(ctx, tx, barepath.Parent(newNorm), nil, nil, nil, nil); err != nil {
				return err
			}
			return translateIndexErr(a.idx.RenameFile(ctx, tx, oldNorm, newNorm))
		})
	}
	return a.renameDir(ctx, oldNorm, newNorm)
}

func (a *Archive) removeForReplace(path string) error {
	isFile, isDir, err := a.classify(path)
	if err != nil {
		return err
	}
	switch {
	case isFile:
		return a.idx.WithTx(context.Background(), func(tx *sql.Tx) error {
			return a.idx.DeleteFile(context.Background(), tx, path)
		})
	case isDir:
		return a.DeleteRecursive(path)
	}
	return nil
}

func (a *Archive) exchange(ctx context.Context, oldPath, newPath string, oldIsFile bool) error {
	newIsFile, newIsDir, err := a.classify(newPath)
	if err != nil {
		return err
	}
	if !newIsFile && !newIsDir {
		return ErrNotFound
	}
	if oldIsFile != newIsFile {
		return fmt.Errorf("archive: exchange requires both paths to be the same kind")
	}

	tmp := oldPath + "\x00exchange-tmp"
	if oldIsFile {
		return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
			if err := a.idx.RenameFile(ctx, tx, oldPath, tmp); err != nil {
				return err
			}
			if err := a.idx.RenameFile(ctx, tx, newPath, oldPath); err != nil {
				return err
			}
			return a.idx.RenameFile(ctx, tx, tmp, newPath)
		})
	}
	return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.renameDirTx(ctx, tx, oldPath, tmp); err != nil {
			return err
		}
		if err := a.renameDirTx(ctx, tx, newPath, oldPath); err != nil {
			return err
		}
		return a.renameDirTx(ctx, tx, tmp, newPath)
	})
}

// renameDir moves a directory within one transaction, after creating any
// missing ancestors of newPath: (a) move the
// subtree's own root row, which fires the real cross-boundary
// trg_dir_move (or is a no-op if the parent is unchanged); then (b), with
// triggers disabled, rewrite every descendant dir and file's path/parent
// by prefix substitution (see DESIGN.md, "rename-dir aggregate
// propagation", for why triggers must stay off for this part): descendants'
// own subtree aggregates never change, only their textual parent, and
// firing trg_dir_move/trg_file_move for each of them would double-count
// the delta the root's own move already applied.
func (a *Archive) renameDir(ctx context.Context, oldPath, newPath string) error {
	return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.idx.EnsureDirPath(ctx, tx, barepath.Parent(newPath), nil, nil, nil, nil); err != nil {
			return err
		}
		return a.renameDirTx(ctx, tx, oldPath, newPath)
	})
}

func (a *Archive) renameDirTx(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	descDirs, err := a.idx.DescendantDirPathsTx(ctx, tx, oldPath)
	if err != nil {
		return err
	}
	descFiles, err := a.idx.DescendantFilePathsTx(ctx, tx, oldPath)
	if err != nil {
		return err
	}

	if err := translateIndexErr(a.idx.RenameDirRoot(ctx, tx, oldPath, newPath)); err != nil {
		return err
	}

	if len(descDirs) == 0 && len(descFiles) == 0 {
		return nil
	}

	if err := a.idx.SetUseTriggers(ctx, tx, false); err != nil {
		return err
	}
	defer a.idx.SetUseTriggers(ctx, tx, true)

	for _, old := range descDirs {
		if err := a.idx.RewriteDescendantDirPath(ctx, tx, old, newPath+strings.TrimPrefix(old, oldPath)); err != nil {
			return err
		}
	}
	for _, old := range descFiles {
		if err := a.idx.RewriteDescendantFilePath(ctx, tx, old, newPath+strings.TrimPrefix(old, oldPath)); err != nil {
			return err
		}
	}

	return a.idx.SetUseTriggers(ctx, tx, true)
}

// Chmod, Chown, Utime update a single attribute of path's metadata,
// dispatching to the file or directory row as appropriate.
func (a *Archive) Chmod(path string, mode uint32) error {
	return a.setAttr(path, &mode, nil, nil, nil)
}

func (a *Archive) Chown(path string, uid, gid uint32) error {
	return a.setAttr(path, nil, &uid, &gid, nil)
}

func (a *Archive) Utime(path string, mtimeNs int64) error {
	return a.setAttr(path, nil, nil, nil, &mtimeNs)
}

func (a *Archive) setAttr(path string, mode, uid, gid *uint32, mtimeNs *int64) error {
	if err := a.requireNotAppendOnly(); err != nil {
		return err
	}
	norm, err := barepath.Normalize(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	isFile, isDir, err := a.classify(norm)
	if err != nil {
		return err
	}
	switch {
	case isFile:
		return a.idx.SetFileAttr(context.Background(), norm, mode, uid, gid, mtimeNs)
	case isDir:
		return a.idx.SetDirAttr(context.Background(), norm, mode, uid, gid, mtimeNs)
	default:
		return ErrNotFound
	}
}

// Truncate changes path's recorded size. The blob is not moved within its
// shard; bytes beyond the new size become a gap reclaimed by the
// defragmenter.
func (a *Archive) Truncate(path string, size int64) error {
	if err := a.requireNotAppendOnly(); err != nil {
		return err
	}
	norm, err := barepath.Normalize(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return a.idx.WithTx(context.Background(), func(tx *sql.Tx) error {
		return translateIndexErr(a.idx.ResizeFile(context.Background(), tx, norm, size))
	})
}
