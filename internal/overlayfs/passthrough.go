//go:build !cgofuse

package overlayfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/anchor"
)

// Pass-through operations: readlink, mknod, mkdir, unlink, rmdir,
// symlink, rename (honoring flags via renameat2), link, chmod, chown,
// statfs (see root.go), fsync, fallocate, xattr set, flock,
// copy_file_range. The path-based ones act on the lower tree only; the
// handle-based ones (fsync, fallocate, flock, copy_file_range) check
// whether the handle is a template and skip or refuse it. Setattr's
// truncate refuses templates, and its reply attributes come from statNode.

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	buf := make([]byte, 4096)
	sz, err := unix.Readlinkat(n.root.Anchors.Mount.Fd(), anchor.Relative(n.virtualPath()), buf)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return buf[:sz], 0
}

func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := childRel(n.rel, name)
	if err := unix.Mknodat(n.root.Anchors.Mount.Fd(), anchor.Relative("/"+rel), mode, int(rdev)); err != nil {
		return nil, fs.ToErrno(err)
	}
	child := &Node{root: n.root, rel: rel}
	var st unix.Stat_t
	if err := n.root.Anchors.Mount.Fstatat(child.virtualPath(), &st); err == nil {
		fillAttrFromStat(&st, &out.Attr, false, 0, false)
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode &^ 0o7777}), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := childRel(n.rel, name)
	if err := unix.Mkdirat(n.root.Anchors.Mount.Fd(), anchor.Relative("/"+rel), mode); err != nil {
		return nil, fs.ToErrno(err)
	}
	child := &Node{root: n.root, rel: rel}
	var st unix.Stat_t
	if err := n.root.Anchors.Mount.Fstatat(child.virtualPath(), &st); err == nil {
		fillAttrFromStat(&st, &out.Attr, false, 0, false)
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode &^ 0o7777}), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := childRel(n.rel, name)
	if err := unix.Unlinkat(n.root.Anchors.Mount.Fd(), anchor.Relative("/"+rel), 0); err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	rel := childRel(n.rel, name)
	if err := unix.Unlinkat(n.root.Anchors.Mount.Fd(), anchor.Relative("/"+rel), unix.AT_REMOVEDIR); err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := childRel(n.rel, name)
	if err := unix.Symlinkat(target, n.root.Anchors.Mount.Fd(), anchor.Relative("/"+rel)); err != nil {
		return nil, fs.ToErrno(err)
	}
	child := &Node{root: n.root, rel: rel}
	var st unix.Stat_t
	if err := n.root.Anchors.Mount.Fstatat(child.virtualPath(), &st); err == nil {
		fillAttrFromStat(&st, &out.Attr, false, 0, false)
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode &^ 0o7777}), 0
}

// Rename honors the extended rename syscall's flags (RENAME_NOREPLACE,
// RENAME_EXCHANGE, ...) rather than silently dropping them; an
// unsupported flag combination surfaces EINVAL from the kernel.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	oldRel := "/" + childRel(n.rel, name)
	newRel := "/" + childRel(np.rel, newName)

	err := unix.Renameat2(n.root.Anchors.Mount.Fd(), anchor.Relative(oldRel), n.root.Anchors.Mount.Fd(), anchor.Relative(newRel), uint(flags))
	if err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	rel := childRel(n.rel, name)
	err := unix.Linkat(n.root.Anchors.Mount.Fd(), anchor.Relative(tn.virtualPath()),
		n.root.Anchors.Mount.Fd(), anchor.Relative("/"+rel), 0)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	child := &Node{root: n.root, rel: rel}
	var st unix.Stat_t
	if err := n.root.Anchors.Mount.Fstatat(child.virtualPath(), &st); err == nil {
		fillAttrFromStat(&st, &out.Attr, false, 0, false)
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode &^ 0o7777}), 0
}

// Setattr covers chmod, chown, and truncate. Truncate on a
// template-backed handle is refused with EPERM (§8); all other fields
// pass through to the mount anchor unconditionally.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if of, isOpen := f.(*openFile); isOpen {
			v, err := n.root.Handles.GetFile(of.token)
			if err == nil && v.IsTemplate {
				return syscall.EPERM
			}
			if err == nil && v.File != nil {
				if terr := v.File.Truncate(int64(sz)); terr != nil {
					return fs.ToErrno(terr)
				}
			}
		} else if n.isTemplate() {
			return syscall.EPERM
		} else {
			fd, err := n.root.Anchors.Mount.Openat(n.virtualPath(), unix.O_WRONLY, 0)
			if err != nil {
				return fs.ToErrno(err)
			}
			terr := unix.Ftruncate(fd, int64(sz))
			unix.Close(fd)
			if terr != nil {
				return fs.ToErrno(terr)
			}
		}
	}

	if mode, ok := in.GetMode(); ok {
		if err := unix.Fchmodat(n.root.Anchors.Mount.Fd(), anchor.Relative(n.virtualPath()), mode, 0); err != nil {
			return fs.ToErrno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := unix.Fchownat(n.root.Anchors.Mount.Fd(), anchor.Relative(n.virtualPath()), u, g, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fs.ToErrno(err)
		}
	}

	st, isTmpl, err := n.statNode()
	if err != nil {
		return fs.ToErrno(err)
	}
	fillAttrFromStat(&st, &out.Attr, isTmpl, 0, false)
	return 0
}

// Fsync passes through to the open descriptor; a no-op for templates,
// which have nothing to flush to stable storage.
func (f *openFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return syscall.ENFILE
	}
	if v.IsTemplate || v.File == nil {
		return 0
	}
	return fs.ToErrno(unix.Fsync(int(v.File.Fd())))
}

// Allocate passes through fallocate(2); refused on template handles.
func (f *openFile) Allocate(ctx context.Context, off, size uint64, mode uint32) syscall.Errno {
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return syscall.ENFILE
	}
	if v.IsTemplate {
		return syscall.EPERM
	}
	return fs.ToErrno(unix.Fallocate(int(v.File.Fd()), mode, int64(off), int64(size)))
}

// Setxattr passes through unconditionally, against the target file
// itself rather than the mount-anchor directory.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	fd, err := n.root.Anchors.Mount.Openat(n.virtualPath(), unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fs.ToErrno(err)
	}
	defer unix.Close(fd)
	if err := unix.Fsetxattr(fd, attr, data, int(flags)); err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

var _ fs.NodeCopyFileRanger = (*Node)(nil)

// CopyFileRange passes through to copy_file_range(2) between two open
// lower-tree descriptors; refused when either side is a template handle,
// since templates are never a valid copy source snapshot or destination.
func (n *Node) CopyFileRange(ctx context.Context, fhIn fs.FileHandle, offIn uint64, out *fs.Inode, fhOut fs.FileHandle, offOut uint64, length uint64, flags uint64) (uint32, syscall.Errno) {
	src, ok := fhIn.(*openFile)
	if !ok {
		return 0, syscall.EXDEV
	}
	dst, ok := fhOut.(*openFile)
	if !ok {
		return 0, syscall.EXDEV
	}

	sv, err := n.root.Handles.GetFile(src.token)
	if err != nil {
		return 0, syscall.ENFILE
	}
	dv, err := n.root.Handles.GetFile(dst.token)
	if err != nil {
		return 0, syscall.ENFILE
	}
	if sv.IsTemplate || dv.IsTemplate {
		return 0, syscall.EPERM
	}

	so, do := int64(offIn), int64(offOut)
	copied, cerr := unix.CopyFileRange(int(sv.File.Fd()), &so, int(dv.File.Fd()), &do, int(length), int(flags))
	if cerr != nil {
		return 0, fs.ToErrno(cerr)
	}
	return uint32(copied), 0
}

// Flock advises the lower-tree descriptor; templates have no concurrent
// render locking by design (Non-goal), so this is pass-through only.
func (f *openFile) Flock(ctx context.Context, flags uint32) syscall.Errno {
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return syscall.ENFILE
	}
	if v.IsTemplate || v.File == nil {
		return 0
	}
	return fs.ToErrno(unix.Flock(int(v.File.Fd()), int(flags)))
}
