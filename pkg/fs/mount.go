package fs

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/barecat/barecat/internal/archive"
)

// Mounter manages a FUSE mount's lifecycle over an open Archive.
type Mounter struct {
	server *fuse.Server
	arc    *archive.Archive
	path   string
}

// Mount exposes arc's root at path. Writable mounts additionally wire
// Create/Write/Mkdir/Unlink/Rmdir/Rename onto the archive; read-only mounts
// still serve those inodes but reject the mutating calls with EROFS.
func Mount(path string, arc *archive.Archive, writable bool) (*Mounter, error) {
	root := &Node{arc: arc, path: "", writable: writable}

	timeout := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "barecat",
			Name:       "barecat",
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
		UID:          uint32(0),
		GID:          uint32(0),
	}

	server, err := fs.Mount(path, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount fuse: %w", err)
	}

	return &Mounter{server: server, arc: arc, path: path}, nil
}

// Unmount cleanly unmounts the filesystem.
func (m *Mounter) Unmount() error {
	return m.server.Unmount()
}

// Wait blocks until the filesystem is unmounted.
func (m *Mounter) Wait() {
	m.server.Wait()
}

// Path returns the mount path.
func (m *Mounter) Path() string {
	return m.path
}

// Serve starts serving FUSE requests in the background.
func (m *Mounter) Serve() {
	go m.server.Serve()
}
