package fs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/barecat/barecat/internal/archive"
	"github.com/barecat/barecat/internal/barepath"
)

// Readdir lists n's children by merging the archive's subdirs and files.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	subdirs, files, err := n.arc.ListDir(n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(subdirs)+len(files))
	for _, d := range subdirs {
		entries = append(entries, fuse.DirEntry{Name: d, Mode: syscall.S_IFDIR})
	}
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Name: f, Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates an empty directory entry.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.writable {
		return nil, syscall.EROFS
	}
	childPath := barepath.Join(n.path, name)
	if err := n.arc.Mkdir(childPath, &archive.Metadata{Mode: &mode}); err != nil {
		return nil, toErrno(err)
	}
	st, err := n.arc.Stat(childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	child := n.NewInode(ctx, &Node{arc: n.arc, path: childPath, writable: n.writable}, fs.StableAttr{Mode: statMode(st)})
	fillAttr(st, &out.Attr)
	return child, 0
}

// Rmdir removes an empty child directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if !n.writable {
		return syscall.EROFS
	}
	return toErrno(n.arc.Delete(barepath.Join(n.path, name)))
}

// Unlink removes a child file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if !n.writable {
		return syscall.EROFS
	}
	return toErrno(n.arc.Delete(barepath.Join(n.path, name)))
}

// Rename renames a child, translating FUSE's rename flags onto the
// archive's replace/no-replace/exchange flags.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if !n.writable {
		return syscall.EROFS
	}
	destNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := barepath.Join(n.path, name)
	newPath := barepath.Join(destNode.path, newName)

	renameFlags := archive.RenameReplace
	switch {
	case flags&unix.RENAME_EXCHANGE != 0:
		renameFlags = archive.RenameExchange
	case flags&unix.RENAME_NOREPLACE != 0:
		renameFlags = archive.RenameNoReplace
	}
	return toErrno(n.arc.Rename(oldPath, newPath, renameFlags))
}
