package cmd

import (
	"io/fs"
	"syscall"

	"github.com/barecat/barecat/internal/archive"
)

// metaFromFileInfo captures a host file's mode/uid/gid/mtime for storage as
// an archive blob's optional metadata.
func metaFromFileInfo(info fs.FileInfo) *archive.Metadata {
	mode := uint32(info.Mode().Perm())
	mtime := info.ModTime().UnixNano()
	meta := &archive.Metadata{Mode: &mode, MtimeNs: &mtime}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		uid, gid := st.Uid, st.Gid
		meta.UID, meta.GID = &uid, &gid
	}
	return meta
}
