//go:build !cgofuse

package overlayfs

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/exectemplate"
	"github.com/paul-chambers/templatefs/internal/fserrors"
	"github.com/paul-chambers/templatefs/internal/handle"
	"github.com/paul-chambers/templatefs/internal/render"
)

// openFile is the fs.FileHandle backing both passthrough and
// template-synthesized opens; it is a thin reference to a token in the
// node's handle store, keeping the handle store itself as the single
// source of truth for variant/tag state (§4.B).
type openFile struct {
	root  *Root
	token uint64
}

var (
	_ fs.FileHandle   = (*openFile)(nil)
	_ fs.FileReader    = (*openFile)(nil)
	_ fs.FileWriter    = (*openFile)(nil)
	_ fs.FileFlusher   = (*openFile)(nil)
	_ fs.FileReleaser  = (*openFile)(nil)
	_ fs.FileLseeker   = (*openFile)(nil)
)

// Open implements §4.E's open table: a template entry is rendered or
// executed and its bytes cached in the handle; otherwise the
// lower-tree file is opened directly.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	start := time.Now()
	if n.isTemplate() {
		rendered, errno := n.renderTemplate()
		if errno != 0 {
			n.root.Metrics.RecordOperation("open", time.Since(start), false)
			n.root.Metrics.RecordError("open", errno.Error())
			return nil, 0, errno
		}
		token := n.root.Handles.AllocateFile(&handle.FileVariant{IsTemplate: true, Rendered: rendered})
		n.root.Metrics.RecordOperation("open", time.Since(start), true)
		n.root.Metrics.SetOpenHandles(n.root.Handles.Len())
		return &openFile{root: n.root, token: token}, fuse.FOPEN_DIRECT_IO, 0
	}

	fd, err := n.root.Anchors.Mount.Openat(n.virtualPath(), int(flags), 0)
	if err != nil {
		errno := fs.ToErrno(err)
		n.root.Metrics.RecordOperation("open", time.Since(start), false)
		n.root.Metrics.RecordError("open", errno.Error())
		return nil, 0, errno
	}
	file := os.NewFile(uintptr(fd), n.virtualPath())
	token := n.root.Handles.AllocateFile(&handle.FileVariant{File: file, IsTemplate: false})
	n.root.Metrics.RecordOperation("open", time.Since(start), true)
	n.root.Metrics.SetOpenHandles(n.root.Handles.Len())
	return &openFile{root: n.root, token: token}, 0, 0
}

// renderTemplate dispatches to the string-expansion engine or the
// executable-template driver depending on the template file's
// executable bit.
func (n *Node) renderTemplate() ([]byte, syscall.Errno) {
	if n.isExecutableTemplate() {
		templatePath := n.root.Anchors.Templates.Path + n.virtualPath()
		lowerPath := n.root.Anchors.Mount.Path + n.virtualPath()

		cfg := exectemplate.Config{
			InitialBufferBytes: n.root.Config.Exec.InitialBufferKB * 1024,
			HeadroomBytes:      n.root.Config.Exec.HeadroomKB * 1024,
			DrainTimeout:        n.root.Config.Exec.DrainTimeout,
		}
		result, err := exectemplate.Execute(templatePath, lowerPath, cfg, n.root.Log)
		if err != nil {
			n.root.Metrics.RecordError("render", string(fserrors.CodeForkFailed))
			return nil, syscall.EIO
		}
		n.root.Metrics.RecordExecExit(result.ExitStatus, result.Signaled)
		if result.ExitStatus != 0 {
			return nil, syscall.EIO
		}
		n.root.Metrics.RecordRender(len(result.Stdout))
		return result.Stdout, 0
	}

	fd, err := n.root.Anchors.Templates.Openat(n.virtualPath(), unix.O_RDONLY, 0)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	file := os.NewFile(uintptr(fd), n.virtualPath())
	defer file.Close()

	out, err := render.ProcessTemplate(file, n.root.Config.ConfigStorePath)
	if err != nil {
		n.root.Metrics.RecordError("render", string(fserrors.CodeMapFailed))
		return nil, syscall.EIO
	}
	n.root.Metrics.RecordRender(len(out))
	return out, 0
}

// Create allocates a new lower-tree file; templates are never created
// through this path (Non-goal: writes to synthesized files).
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := childRel(n.rel, name)
	child := &Node{root: n.root, rel: rel}

	fd, err := n.root.Anchors.Mount.Openat(child.virtualPath(), int(flags)|os.O_CREATE, mode)
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}
	file := os.NewFile(uintptr(fd), child.virtualPath())

	var st unix.Stat_t
	if err := n.root.Anchors.Mount.Fstatat(child.virtualPath(), &st); err == nil {
		fillAttrFromStat(&st, &out.Attr, false, 0, false)
	}

	token := n.root.Handles.AllocateFile(&handle.FileVariant{File: file, IsTemplate: false})
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode &^ 0o7777})
	return inode, &openFile{root: n.root, token: token}, 0, 0
}

// Read serves from the cached rendered bytes for a template handle, or
// pread(2)s the lower-tree descriptor otherwise.
func (f *openFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return nil, syscall.ENFILE
	}

	if v.IsTemplate {
		if off >= int64(len(v.Rendered)) {
			f.root.Metrics.RecordOperation("read", time.Since(start), true)
			return fuse.ReadResultData(nil), 0
		}
		end := off + int64(len(dest))
		if end > int64(len(v.Rendered)) {
			end = int64(len(v.Rendered))
		}
		n := copy(dest, v.Rendered[off:end])
		f.root.Metrics.RecordOperation("read", time.Since(start), true)
		return fuse.ReadResultData(dest[:n]), 0
	}

	n, err := v.File.ReadAt(dest, off)
	if err != nil && n == 0 {
		f.root.Metrics.RecordOperation("read", time.Since(start), false)
		return fuse.ReadResultData(nil), 0
	}
	f.root.Metrics.RecordOperation("read", time.Since(start), true)
	return fuse.ReadResultData(dest[:n]), 0
}

// Write refuses on template handles (§8: write/truncate on a
// template-backed handle always return -EPERM) and pwrite(2)s otherwise.
func (f *openFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return 0, syscall.ENFILE
	}
	if v.IsTemplate {
		return 0, syscall.EPERM
	}
	n, werr := v.File.WriteAt(data, off)
	if werr != nil {
		return uint32(n), fs.ToErrno(werr)
	}
	return uint32(n), 0
}

// Flush is a no-op for templates; for passthrough files it mirrors the
// conventional dup-and-close trick so multiple file descriptors sharing
// one open don't each trigger a real close.
func (f *openFile) Flush(ctx context.Context) syscall.Errno {
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return syscall.ENFILE
	}
	if v.IsTemplate {
		return 0
	}
	newFd, derr := unix.Dup(int(v.File.Fd()))
	if derr != nil {
		return fs.ToErrno(derr)
	}
	return fs.ToErrno(unix.Close(newFd))
}

// Lseek returns ENFILE for templates (not seekable through the handle)
// and lseek(2)s the lower-tree descriptor otherwise.
func (f *openFile) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	v, err := f.root.Handles.GetFile(f.token)
	if err != nil {
		return 0, syscall.ENFILE
	}
	if v.IsTemplate {
		return 0, syscall.ENFILE
	}
	n, serr := unix.Seek(int(v.File.Fd()), int64(off), int(whence))
	if serr != nil {
		return 0, fs.ToErrno(serr)
	}
	return uint64(n), 0
}

// Release closes the underlying descriptor (if any) and frees the
// cached-contents buffer, via the handle store's Release.
func (f *openFile) Release(ctx context.Context) syscall.Errno {
	if err := f.root.Handles.Release(f.token); err != nil {
		return fs.ToErrno(err)
	}
	f.root.Metrics.SetOpenHandles(f.root.Handles.Len())
	return 0
}
