package fs

import (
	"bytes"
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/barecat/barecat/internal/archive"
)

// FileHandle buffers one open file's content in memory. Barecat blobs are
// write-once and immutable, so a write-capable handle can't patch bytes in
// place: it rewrites the whole blob (delete, then write) when the handle is
// flushed.
type FileHandle struct {
	arc      *archive.Archive
	path     string
	writable bool
	meta     *archive.Metadata

	buf     bytes.Buffer
	dirty   bool
	loaded  bool
}

var (
	_ fs.FileReader    = (*FileHandle)(nil)
	_ fs.FileWriter    = (*FileHandle)(nil)
	_ fs.FileFlusher   = (*FileHandle)(nil)
	_ fs.FileFsyncer   = (*FileHandle)(nil)
	_ fs.FileGetattrer = (*FileHandle)(nil)
)

// Open returns a handle over an existing file; content is read lazily on
// first Read or Write.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	st, err := n.arc.Stat(n.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	if st.IsDir {
		return nil, 0, syscall.EISDIR
	}

	fh := &FileHandle{arc: n.arc, path: n.path, writable: n.writable}
	if flags&syscall.O_TRUNC != 0 {
		fh.loaded = true
		fh.dirty = true
	}
	return fh, 0, 0
}

// Create materializes an empty blob immediately so the new path is visible
// to concurrent lookups, then hands back a handle buffering the real
// content until Flush.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if !n.writable {
		return nil, nil, 0, syscall.EROFS
	}
	childPath := name
	if n.path != "" {
		childPath = n.path + "/" + name
	}
	meta := &archive.Metadata{Mode: &mode}
	if err := n.arc.Write(childPath, nil, meta); err != nil {
		return nil, nil, 0, toErrno(err)
	}
	st, err := n.arc.Stat(childPath)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	child := n.NewInode(ctx, &Node{arc: n.arc, path: childPath, writable: n.writable}, fs.StableAttr{Mode: statMode(st)})
	fillAttr(st, &out.Attr)

	fh := &FileHandle{arc: n.arc, path: childPath, writable: true, meta: meta, loaded: true}
	return child, fh, 0, 0
}

func (fh *FileHandle) ensureLoaded() syscall.Errno {
	if fh.loaded {
		return 0
	}
	data, err := fh.arc.Read(fh.path)
	if err != nil {
		return toErrno(err)
	}
	fh.buf.Write(data)
	fh.loaded = true
	return 0
}

// Read serves dest from the handle's in-memory buffer.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if errno := fh.ensureLoaded(); errno != 0 {
		return nil, errno
	}
	data := fh.buf.Bytes()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

// Write patches the in-memory buffer; the rewrite lands on the shard store
// only once Flush commits it.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !fh.writable {
		return 0, syscall.EROFS
	}
	if errno := fh.ensureLoaded(); errno != 0 {
		return 0, errno
	}
	end := off + int64(len(data))
	if end > int64(fh.buf.Len()) {
		grown := make([]byte, end)
		copy(grown, fh.buf.Bytes())
		fh.buf.Reset()
		fh.buf.Write(grown)
	}
	copy(fh.buf.Bytes()[off:end], data)
	fh.dirty = true
	return uint32(len(data)), 0
}

// Flush rewrites the blob (delete, then write) if the handle was modified.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	if !fh.writable || !fh.dirty {
		return 0
	}
	if err := fh.arc.Delete(fh.path); err != nil && !errorsIsNotFound(err) {
		return toErrno(err)
	}
	if err := fh.arc.Write(fh.path, fh.buf.Bytes(), fh.meta); err != nil {
		return toErrno(err)
	}
	fh.dirty = false
	return 0
}

func errorsIsNotFound(err error) bool {
	return toErrno(err) == syscall.ENOENT
}

// Getattr reports the handle's buffered size when dirty, else the stored stat.
func (fh *FileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	st, err := fh.arc.Stat(fh.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(st, &out.Attr)
	if fh.dirty {
		out.Attr.Size = uint64(fh.buf.Len())
	}
	return 0
}

// Fsync does nothing: a modified handle reaches the archive on Flush, and
// no fsync of the shard files is issued from here.
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}
