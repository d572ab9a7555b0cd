// Package fs is a thin go-fuse bridge onto internal/archive: a
// demonstrative adapter, not a full POSIX filesystem. Nodes are keyed by
// archive path rather than an inode number, since Barecat has none.
package fs

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/barecat/barecat/internal/archive"
	"github.com/barecat/barecat/internal/barepath"
)

// Node represents a filesystem entry backed by an open Archive.
type Node struct {
	fs.Inode
	arc      *archive.Archive
	path     string // archive-normalized path; "" is the root
	writable bool
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
)

// Getattr fills out from the archive's stat for this node's path.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.arc.Stat(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

// Lookup finds a child node by name.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := barepath.Join(n.path, name)
	st, err := n.arc.Stat(childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	child := n.NewInode(ctx, &Node{arc: n.arc, path: childPath, writable: n.writable}, fs.StableAttr{Mode: statMode(st)})
	fillAttr(st, &out.Attr)
	return child, 0
}

func fillAttr(st archive.Stat, attr *fuse.Attr) {
	attr.Mode = statMode(st)
	attr.Size = uint64(st.Size)
	attr.Blksize = 4096
	attr.Blocks = (attr.Size + 511) / 512
	attr.Nlink = 1
	if st.Mode != nil {
		attr.Mode = (attr.Mode &^ 0o777) | (*st.Mode & 0o777)
	}
	if st.UID != nil {
		attr.Uid = *st.UID
	}
	if st.GID != nil {
		attr.Gid = *st.GID
	}
	if st.MtimeNs != nil {
		attr.Mtime = uint64(*st.MtimeNs / 1e9)
		attr.Mtimensec = uint32(*st.MtimeNs % 1e9)
		attr.Ctime, attr.Ctimensec = attr.Mtime, attr.Mtimensec
	}
}

func statMode(st archive.Stat) uint32 {
	if st.IsDir {
		return syscall.S_IFDIR | 0o755
	}
	return syscall.S_IFREG | 0o644
}

// toErrno maps archive sentinel errors onto syscall errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, archive.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, archive.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, archive.ErrDirNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, archive.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, archive.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, archive.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, archive.ErrBlobTooLarge):
		return syscall.EFBIG
	default:
		return syscall.EIO
	}
}
