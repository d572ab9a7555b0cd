package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/barecat/barecat/internal/barepath"
	"github.com/barecat/barecat/internal/index"
)

// Stat describes either a file or a directory's attributes, returned by
// Archive.Stat and used internally by IterdirInfos/Walk.
type Stat struct {
	Path     string
	IsDir    bool
	Size     int64 // file size, or size_tree for a directory
	NumFiles int64 // 0 for files; num_files_tree for directories
	CRC32C   *uint32
	Mode     *uint32
	UID      *uint32
	GID      *uint32
	MtimeNs  *int64
}

// ListDir returns the immediate children of dir split into subdirectory
// names and file names, both lexically ordered.
func (a *Archive) ListDir(dir string) (subdirs, files []string, err error) {
	norm, err := barepath.Normalize(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return a.idx.ListDirNames(context.Background(), norm)
}

// IterdirInfos streams Stat tuples for dir's direct children: files then
// subdirectories, each lexically ordered.
func (a *Archive) IterdirInfos(dir string, visit func(Stat) error) error {
	norm, err := barepath.Normalize(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	ctx := context.Background()

	err = a.idx.IterdirFiles(ctx, norm, func(f *index.FileRecord) error {
		return visit(statFromFile(f))
	})
	if err != nil {
		return err
	}
	return a.idx.IterdirSubdirs(ctx, norm, func(d *index.DirRecord) error {
		return visit(statFromDir(d))
	})
}

// Walk yields (dirpath, subdirnames, filenames) triples in pre-order,
// lazily, one directory at a time, so the tree as a whole is never
// buffered; each directory's own listing is read in full before visit is
// called for it. Returning a non-nil error from visit stops the walk and
// is propagated. ctx is checked before each directory; once it is
// cancelled the walk stops and returns ctx.Err().
func (a *Archive) Walk(ctx context.Context, root string, visit func(dirpath string, subdirs, files []string) error) error {
	norm, err := barepath.Normalize(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return a.walk(ctx, norm, visit)
}

func (a *Archive) walk(ctx context.Context, dir string, visit func(string, []string, []string) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	subdirs, files, err := a.idx.ListDirNames(ctx, dir)
	if err != nil {
		return err
	}
	if err := visit(dir, subdirs, files); err != nil {
		return err
	}
	for _, name := range subdirs {
		if err := a.walk(ctx, barepath.Join(dir, name), visit); err != nil {
			return err
		}
	}
	return nil
}

// Glob resolves pattern against every file path in the archive, using a
// literal-prefix range-scan to skip candidates outside the pattern's
// fixed prefix.
func (a *Archive) Glob(pattern string) ([]string, error) {
	pat, err := barepath.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	low, high := barepath.RangeBounds(pat.Prefix)

	var matches []string
	err = a.idx.GlobCandidateFiles(context.Background(), low, high, func(f *index.FileRecord) error {
		if pat.Match(f.Path) {
			matches = append(matches, f.Path)
		}
		return nil
	})
	return matches, err
}

// Exists, IsFile, IsDir report whether path refers to a file, directory, or
// anything at all.
func (a *Archive) Exists(path string) (bool, error) {
	isFile, isDir, err := a.classify(path)
	return isFile || isDir, err
}

func (a *Archive) IsFile(path string) (bool, error) {
	isFile, _, err := a.classify(path)
	return isFile, err
}

func (a *Archive) IsDir(path string) (bool, error) {
	_, isDir, err := a.classify(path)
	return isDir, err
}

func (a *Archive) classify(path string) (isFile, isDir bool, err error) {
	norm, err := barepath.Normalize(path)
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	ctx := context.Background()
	if _, err := a.idx.LookupFile(ctx, norm); err == nil {
		return true, false, nil
	} else if !errors.Is(err, index.ErrNotFound) {
		return false, false, err
	}
	if _, err := a.idx.LookupDir(ctx, norm); err == nil {
		return false, true, nil
	} else if !errors.Is(err, index.ErrNotFound) {
		return false, false, err
	}
	return false, false, nil
}

// Stat returns attributes for path, whether it is a file or a directory.
func (a *Archive) Stat(path string) (Stat, error) {
	norm, err := barepath.Normalize(path)
	if err != nil {
		return Stat{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	ctx := context.Background()

	if f, err := a.idx.LookupFile(ctx, norm); err == nil {
		return statFromFile(f), nil
	} else if !errors.Is(err, index.ErrNotFound) {
		return Stat{}, err
	}

	d, err := a.idx.LookupDir(ctx, norm)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return Stat{}, ErrNotFound
		}
		return Stat{}, err
	}
	return statFromDir(d), nil
}

func statFromFile(f *index.FileRecord) Stat {
	return Stat{Path: f.Path, IsDir: false, Size: f.Size, CRC32C: f.CRC32C, Mode: f.Mode, UID: f.UID, GID: f.GID, MtimeNs: f.MtimeNs}
}

func statFromDir(d *index.DirRecord) Stat {
	return Stat{Path: d.Path, IsDir: true, Size: d.SizeTree, NumFiles: d.NumFilesTree, Mode: d.Mode, UID: d.UID, GID: d.GID, MtimeNs: d.MtimeNs}
}
