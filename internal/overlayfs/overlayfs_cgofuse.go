//go:build cgofuse
// +build cgofuse

// Package overlayfs implements the filesystem operations surface: the
// full POSIX-shaped callback table the FUSE kernel layer invokes,
// routing each call to pass-through against the lower tree or to a
// synthesized-contents path based on whether the virtual path has a
// matching template-tree entry. This file holds the cgofuse-tagged
// alternate build, using github.com/winfsp/cgofuse's path-based
// FileSystemInterface for platforms where go-fuse's kernel driver isn't
// available; root.go and its siblings hold the default build.
package overlayfs

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/anchor"
	"github.com/paul-chambers/templatefs/internal/config"
	"github.com/paul-chambers/templatefs/internal/exectemplate"
	"github.com/paul-chambers/templatefs/internal/fserrors"
	"github.com/paul-chambers/templatefs/internal/handle"
	"github.com/paul-chambers/templatefs/internal/logging"
	"github.com/paul-chambers/templatefs/internal/metrics"
	"github.com/paul-chambers/templatefs/internal/render"
)

// Root is the shared, effectively-read-only-after-init state every
// dispatch method reaches through the filesystem struct: the two tree
// anchors, the handle store, configuration, logging and metrics
// collaborators. It mirrors the default build's Root exactly; the two
// are never compiled together so the duplicate name is harmless.
type Root struct {
	Anchors *anchor.Pair
	Handles *handle.Store
	Config  *config.Configuration
	Log     *logging.Logger
	Metrics *metrics.Collector
}

// Filesystem implements fuse.FileSystemInterface against the root's
// collaborators, using cgofuse's absolute-path-per-call convention in
// place of the default build's per-node inode tree.
type Filesystem struct {
	fuse.FileSystemBase
	root *Root

	mu   sync.Mutex
	host *fuse.FileSystemHost
}

var _ fuse.FileSystemInterface = (*Filesystem)(nil)

// NewFilesystem builds a cgofuse filesystem implementation over anchors.
func NewFilesystem(anchors *anchor.Pair, handles *handle.Store, cfg *config.Configuration, log *logging.Logger, mc *metrics.Collector) *Filesystem {
	return &Filesystem{root: &Root{Anchors: anchors, Handles: handles, Config: cfg, Log: log, Metrics: mc}}
}

func errnoToResult(err error) int {
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		return -int(errno)
	}
	return -int(syscall.EIO)
}

func (f *Filesystem) isTemplate(path string) bool {
	err := f.root.Anchors.Templates.Faccessat(path, unix.R_OK)
	if err == nil {
		return true
	}
	if err != syscall.ENOENT && err != syscall.EACCES {
		f.root.Log.Log(logging.Warning, "", 0, "template probe on %s failed unexpectedly: %v", path, err)
	}
	return false
}

func (f *Filesystem) isExecutableTemplate(path string) bool {
	return f.root.Anchors.Templates.Faccessat(path, unix.X_OK) == nil
}

func (f *Filesystem) statNode(path string) (unix.Stat_t, bool, error) {
	var st unix.Stat_t
	isTmpl := f.isTemplate(path)
	tree := f.root.Anchors.Mount
	if isTmpl {
		tree = f.root.Anchors.Templates
	}
	err := tree.Fstatat(path, &st)
	return st, isTmpl, err
}

func fillCgoStat(st *unix.Stat_t, out *fuse.Stat_t, isTemplate bool, overrideSize int64, hasOverride bool) {
	out.Ino = st.Ino
	out.Size = st.Size
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Mtim.Sec = st.Mtim.Sec
	out.Mtim.Nsec = st.Mtim.Nsec
	out.Atim.Sec = st.Atim.Sec
	out.Atim.Nsec = st.Atim.Nsec
	out.Ctim.Sec = st.Ctim.Sec
	out.Ctim.Nsec = st.Ctim.Nsec

	if isTemplate {
		out.Mode &^= 0o222
		if st.Mode&unix.S_IFDIR == 0 {
			out.Mode &^= 0o111
		}
		if hasOverride {
			out.Size = overrideSize
		}
	}
}

// Getattr stats the template file (overriding mode/size as required)
// when one applies, else the lower-tree file directly.
func (f *Filesystem) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	if path == "/" {
		var st unix.Stat_t
		if err := f.root.Anchors.Mount.Fstatat("/", &st); err != nil {
			return errnoToResult(err)
		}
		fillCgoStat(&st, stat, false, 0, false)
		return 0
	}

	st, isTmpl, err := f.statNode(path)
	if err != nil {
		return errnoToResult(err)
	}

	var overrideSize int64
	hasOverride := false
	if fh != ^uint64(0) {
		if v, gerr := f.root.Handles.GetFile(fh); gerr == nil && v.IsTemplate {
			overrideSize = int64(len(v.Rendered))
			hasOverride = true
		}
	}

	fillCgoStat(&st, stat, isTmpl, overrideSize, hasOverride)
	return 0
}

// Open dispatches to rendering (for a template entry) or a direct
// lower-tree open, mirroring the default build's Open table.
func (f *Filesystem) Open(path string, flags int) (int, uint64) {
	start := time.Now()
	if f.isTemplate(path) {
		rendered, errc := f.renderTemplate(path)
		if errc != 0 {
			f.root.Metrics.RecordOperation("open", time.Since(start), false)
			f.root.Metrics.RecordError("open", syscall.Errno(-errc).Error())
			return errc, ^uint64(0)
		}
		token := f.root.Handles.AllocateFile(&handle.FileVariant{IsTemplate: true, Rendered: rendered})
		f.root.Metrics.RecordOperation("open", time.Since(start), true)
		f.root.Metrics.SetOpenHandles(f.root.Handles.Len())
		return 0, token
	}

	fd, err := f.root.Anchors.Mount.Openat(path, flags, 0)
	if err != nil {
		f.root.Metrics.RecordOperation("open", time.Since(start), false)
		f.root.Metrics.RecordError("open", err.Error())
		return errnoToResult(err), ^uint64(0)
	}
	token := f.root.Handles.AllocateFile(&handle.FileVariant{File: fdToFile(fd, path), IsTemplate: false})
	f.root.Metrics.RecordOperation("open", time.Since(start), true)
	f.root.Metrics.SetOpenHandles(f.root.Handles.Len())
	return 0, token
}

// renderTemplate dispatches to the string-expansion engine or the
// executable-template driver depending on the template file's
// executable bit, exactly as the default build does.
func (f *Filesystem) renderTemplate(path string) ([]byte, int) {
	if f.isExecutableTemplate(path) {
		templatePath := f.root.Anchors.Templates.Path + path
		lowerPath := f.root.Anchors.Mount.Path + path

		cfg := exectemplate.Config{
			InitialBufferBytes: f.root.Config.Exec.InitialBufferKB * 1024,
			HeadroomBytes:      f.root.Config.Exec.HeadroomKB * 1024,
			DrainTimeout:       f.root.Config.Exec.DrainTimeout,
		}
		result, err := exectemplate.Execute(templatePath, lowerPath, cfg, f.root.Log)
		if err != nil {
			f.root.Metrics.RecordError("render", string(fserrors.CodeForkFailed))
			return nil, -int(syscall.EIO)
		}
		f.root.Metrics.RecordExecExit(result.ExitStatus, result.Signaled)
		if result.ExitStatus != 0 {
			return nil, -int(syscall.EIO)
		}
		f.root.Metrics.RecordRender(len(result.Stdout))
		return result.Stdout, 0
	}

	fd, err := f.root.Anchors.Templates.Openat(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, errnoToResult(err)
	}
	file := fdToFile(fd, path)
	defer file.Close()

	out, err := render.ProcessTemplate(file, f.root.Config.ConfigStorePath)
	if err != nil {
		f.root.Metrics.RecordError("render", string(fserrors.CodeMapFailed))
		return nil, -int(syscall.EIO)
	}
	f.root.Metrics.RecordRender(len(out))
	return out, 0
}

// Create allocates a new lower-tree file; templates are never created
// through this path (Non-goal: writes to synthesized files).
func (f *Filesystem) Create(path string, flags int, mode uint32) (int, uint64) {
	fd, err := f.root.Anchors.Mount.Openat(path, flags|unix.O_CREAT, mode)
	if err != nil {
		return errnoToResult(err), ^uint64(0)
	}
	token := f.root.Handles.AllocateFile(&handle.FileVariant{File: fdToFile(fd, path), IsTemplate: false})
	return 0, token
}

// Read serves from the cached rendered bytes for a template handle, or
// pread(2)s the lower-tree descriptor otherwise.
func (f *Filesystem) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	v, err := f.root.Handles.GetFile(fh)
	if err != nil {
		return -int(syscall.ENFILE)
	}

	if v.IsTemplate {
		if ofst >= int64(len(v.Rendered)) {
			f.root.Metrics.RecordOperation("read", time.Since(start), true)
			return 0
		}
		end := ofst + int64(len(buff))
		if end > int64(len(v.Rendered)) {
			end = int64(len(v.Rendered))
		}
		n := copy(buff, v.Rendered[ofst:end])
		f.root.Metrics.RecordOperation("read", time.Since(start), true)
		return n
	}

	n, rerr := v.File.ReadAt(buff, ofst)
	if rerr != nil && n == 0 {
		f.root.Metrics.RecordOperation("read", time.Since(start), false)
		return 0
	}
	f.root.Metrics.RecordOperation("read", time.Since(start), true)
	return n
}

// Write refuses on template handles (§8: write/truncate on a
// template-backed handle always return -EPERM) and pwrite(2)s otherwise.
func (f *Filesystem) Write(path string, buff []byte, ofst int64, fh uint64) int {
	v, err := f.root.Handles.GetFile(fh)
	if err != nil {
		return -int(syscall.ENFILE)
	}
	if v.IsTemplate {
		return -int(syscall.EPERM)
	}
	n, werr := v.File.WriteAt(buff, ofst)
	if werr != nil {
		return errnoToResult(werr)
	}
	return n
}

// Truncate refuses on template handles, matching the default build.
func (f *Filesystem) Truncate(path string, size int64, fh uint64) int {
	if fh != ^uint64(0) {
		if v, err := f.root.Handles.GetFile(fh); err == nil {
			if v.IsTemplate {
				return -int(syscall.EPERM)
			}
			return errnoToResult(v.File.Truncate(size))
		}
	}
	if f.isTemplate(path) {
		return -int(syscall.EPERM)
	}
	return errnoToResult(unix.Truncate(f.root.Anchors.Mount.Path+path, size))
}

// Flush is a no-op for templates; for passthrough files it mirrors the
// conventional dup-and-close trick so multiple file descriptors sharing
// one open don't each trigger a real close.
func (f *Filesystem) Flush(path string, fh uint64) int {
	v, err := f.root.Handles.GetFile(fh)
	if err != nil {
		return -int(syscall.ENFILE)
	}
	if v.IsTemplate {
		return 0
	}
	newFd, derr := unix.Dup(int(v.File.Fd()))
	if derr != nil {
		return errnoToResult(derr)
	}
	return errnoToResult(unix.Close(newFd))
}

// Release closes the underlying descriptor (if any) and frees the
// cached-contents buffer, via the handle store's Release.
func (f *Filesystem) Release(path string, fh uint64) int {
	err := f.root.Handles.Release(fh)
	f.root.Metrics.SetOpenHandles(f.root.Handles.Len())
	return errnoToResult(err)
}

// Fsync passes through to the lower-tree descriptor; it is meaningless
// on a template handle and is a no-op there.
func (f *Filesystem) Fsync(path string, datasync bool, fh uint64) int {
	v, err := f.root.Handles.GetFile(fh)
	if err != nil {
		return -int(syscall.ENFILE)
	}
	if v.IsTemplate {
		return 0
	}
	return errnoToResult(v.File.Sync())
}

// Opendir allocates a directory handle carrying the snapshot of entries
// readdir will walk through, using DirVariant.Offset to track progress
// across calls the way cgofuse's offset-based Readdir protocol requires.
func (f *Filesystem) Opendir(path string) (int, uint64) {
	entries, err := f.readDirEntries(path)
	if err != nil {
		return errnoToResult(err), ^uint64(0)
	}
	token := f.root.Handles.AllocateDir(&handle.DirVariant{Entries: entries, Offset: 0})
	return 0, token
}

func (f *Filesystem) readDirEntries(path string) ([]os.DirEntry, error) {
	fd, err := f.root.Anchors.Mount.Openat(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	dir := fdToFile(fd, path)
	defer dir.Close()

	return dir.ReadDir(-1)
}

// Readdir streams the lower tree's directory entries; template-only
// entries are never listed on their own (§4.E: the template tree only
// ever intercepts reads of paths that already exist in the lower tree).
func (f *Filesystem) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	v, err := f.root.Handles.GetDir(fh)
	if err != nil {
		return -int(syscall.ENFILE)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	for i := v.Offset; i < len(v.Entries); i++ {
		e := v.Entries[i]
		mode := uint32(unix.S_IFREG | 0o644)
		if info, ierr := e.Info(); ierr == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				mode = st.Mode
			}
		}
		var stat fuse.Stat_t
		stat.Mode = mode
		if !fill(e.Name(), &stat, 0) {
			v.Offset = i
			return 0
		}
	}
	v.Offset = len(v.Entries)
	return 0
}

// Releasedir forgets the directory handle.
func (f *Filesystem) Releasedir(path string, fh uint64) int {
	return errnoToResult(f.root.Handles.Release(fh))
}

// Mkdir, Mknod, Unlink, Rmdir, Symlink, Readlink, Rename, Link, Chmod
// and Chown are unconditional pass-throughs against the lower tree;
// templates never intercept namespace-mutating calls (§8), only reads.

func (f *Filesystem) Mkdir(path string, mode uint32) int {
	return errnoToResult(unix.Mkdirat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), mode))
}

func (f *Filesystem) Mknod(path string, mode uint32, dev uint64) int {
	return errnoToResult(unix.Mknodat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), mode, int(dev)))
}

func (f *Filesystem) Unlink(path string) int {
	return errnoToResult(unix.Unlinkat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), 0))
}

func (f *Filesystem) Rmdir(path string) int {
	return errnoToResult(unix.Unlinkat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), unix.AT_REMOVEDIR))
}

func (f *Filesystem) Symlink(target, newpath string) int {
	return errnoToResult(unix.Symlinkat(target, f.root.Anchors.Mount.Fd(), anchor.Relative(newpath)))
}

func (f *Filesystem) Readlink(path string) (int, string) {
	buf := make([]byte, 4096)
	n, err := unix.Readlinkat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), buf)
	if err != nil {
		return errnoToResult(err), ""
	}
	return 0, string(buf[:n])
}

func (f *Filesystem) Rename(oldpath, newpath string) int {
	fd := f.root.Anchors.Mount.Fd()
	return errnoToResult(unix.Renameat2(fd, anchor.Relative(oldpath), fd, anchor.Relative(newpath), 0))
}

func (f *Filesystem) Link(oldpath, newpath string) int {
	fd := f.root.Anchors.Mount.Fd()
	return errnoToResult(unix.Linkat(fd, anchor.Relative(oldpath), fd, anchor.Relative(newpath), 0))
}

func (f *Filesystem) Chmod(path string, mode uint32) int {
	return errnoToResult(unix.Fchmodat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), mode, 0))
}

func (f *Filesystem) Chown(path string, uid, gid uint32) int {
	return errnoToResult(unix.Fchownat(f.root.Anchors.Mount.Fd(), anchor.Relative(path), int(uid), int(gid), unix.AT_SYMLINK_NOFOLLOW))
}

// Statfs passes through to the mount anchor unconditionally.
func (f *Filesystem) Statfs(path string, stat *fuse.Statfs_t) int {
	var st unix.Statfs_t
	if err := unix.Fstatfs(f.root.Anchors.Mount.Fd(), &st); err != nil {
		return errnoToResult(err)
	}
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Bsize = uint64(st.Bsize)
	stat.Namemax = uint64(st.Namelen)
	stat.Frsize = uint64(st.Frsize)
	return 0
}

func fdToFile(fd int, path string) *os.File {
	return os.NewFile(uintptr(fd), path)
}

// Server wraps the mounted cgofuse session so the CLI can wait on it
// and request a clean unmount on signal, matching the default build's
// Server surface exactly.
type Server struct {
	fs   *Filesystem
	done chan struct{}
}

// Mount sets up a cgofuse host against fs and mounts at mountPoint,
// passing fsname and, when configured, allow_other. Unlike the default
// build it does not pass zero cache timeouts or the single-threaded
// setting, so those stay at the FUSE library's defaults.
func Mount(mountPoint string, anchors *anchor.Pair, cfg *config.Configuration, log *logging.Logger, mc *metrics.Collector) (*Server, error) {
	handles := handle.NewStore()
	impl := NewFilesystem(anchors, handles, cfg, log, mc)

	host := fuse.NewFileSystemHost(impl)

	options := []string{"-o", "fsname=templatefs"}
	if cfg.Mount.AllowOther {
		options = append(options, "-o", "allow_other")
	}

	srv := &Server{fs: impl, done: make(chan struct{})}
	go func() {
		defer close(srv.done)
		host.Mount(mountPoint, options)
	}()

	impl.mu.Lock()
	impl.host = host
	impl.mu.Unlock()

	return srv, nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	<-s.done
}

// Unmount requests a clean unmount, e.g. on receipt of SIGTERM.
func (s *Server) Unmount() error {
	s.fs.mu.Lock()
	host := s.fs.host
	s.fs.mu.Unlock()
	if host == nil {
		return nil
	}
	if !host.Unmount() {
		return errors.New("cgofuse: unmount failed")
	}
	return nil
}
