//go:build !cgofuse

package overlayfs

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

var _ fs.NodeOpendirer = (*Node)(nil)

// Opendir checks that the lower-tree directory can be opened and listed;
// it allocates no directory handle, since Readdir re-lists the directory
// on every call. The literal "/" is special-cased per §4.A: the anchor's
// own descriptor is
// duplicated and rewound rather than opened by relative name, since ""
// is not a valid openat(2) target.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	_, err := n.openDirEntries()
	if err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

func (n *Node) openDirEntries() ([]os.DirEntry, error) {
	var dir *os.File
	var err error
	if n.rel == "" {
		dir, err = n.root.Anchors.Mount.OpenRootDup()
	} else {
		var fd int
		fd, err = n.root.Anchors.Mount.Openat(n.virtualPath(), unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err == nil {
			dir = os.NewFile(uintptr(fd), n.virtualPath())
		}
	}
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	return dir.ReadDir(-1)
}

// Readdir streams the lower tree's directory entries; template-only
// entries are never listed on their own (§4.E: the template tree only
// ever intercepts reads of paths that already exist in the lower tree).
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.openDirEntries()
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		var ino uint64
		var mode uint32
		if ok {
			ino = st.Ino
			mode = st.Mode
		} else {
			mode = uint32(info.Mode().Perm())
		}
		list = append(list, fuse.DirEntry{Name: e.Name(), Ino: ino, Mode: mode})
	}
	return fs.NewListDirStream(list), 0
}
