// Package anchor resolves the two tree roots templatefs mirrors — the
// mountpoint's lower tree and the parallel template tree — to absolute
// paths and open directory descriptors used as *at-style resolution bases
// for every other operation.
package anchor

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/fserrors"
)

// Tree is one resolved root: its canonical absolute path and an open
// directory descriptor used as the base of *at-style syscalls.
type Tree struct {
	Path string
	dir  *os.File
}

// Fd returns the directory file descriptor backing this tree.
func (t *Tree) Fd() int {
	return int(t.dir.Fd())
}

// Close releases the directory descriptor. Call once at unmount.
func (t *Tree) Close() error {
	return t.dir.Close()
}

// Setup resolves path to its canonical absolute form and opens it as a
// directory, returning a Tree anchored there. Both the mount and template
// roots must be set up this way before any filesystem operation runs.
func Setup(path string) (*Tree, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeInvalidPath, "cannot resolve absolute path").
			WithComponent("anchor").WithCause(err).WithDetail("path", path)
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeInvalidPath, "path does not exist").
			WithComponent("anchor").WithCause(err).WithDetail("path", abs)
	}

	dir, err := os.Open(real)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeInvalidPath, "cannot open directory").
			WithComponent("anchor").WithCause(err).WithDetail("path", real)
	}

	info, err := dir.Stat()
	if err != nil || !info.IsDir() {
		dir.Close()
		return nil, fserrors.New(fserrors.CodeInvalidPath, "path is not a directory").
			WithComponent("anchor").WithDetail("path", real)
	}

	return &Tree{Path: real, dir: dir}, nil
}

// Pair holds the two anchors every operation needs: the mount (lower)
// tree and the template tree. It is created once at mount time and
// retrieved by every callback from the mount's request context, never
// stored in a package-level global.
type Pair struct {
	Mount     *Tree
	Templates *Tree
}

// SetupPair resolves both anchors; absence of either is a fatal startup
// condition per the filesystem's contract.
func SetupPair(mountSource, templates string) (*Pair, error) {
	mount, err := Setup(mountSource)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeMissingMountpoint, "mountpoint is invalid").
			WithComponent("anchor").WithCause(err)
	}

	tmpl, err := Setup(templates)
	if err != nil {
		mount.Close()
		return nil, fserrors.New(fserrors.CodeMissingTemplates, "templates root is invalid").
			WithComponent("anchor").WithCause(err)
	}

	return &Pair{Mount: mount, Templates: tmpl}, nil
}

// Close tears down both anchors.
func (p *Pair) Close() error {
	err1 := p.Mount.Close()
	err2 := p.Templates.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// relative strips the FUSE-supplied leading "/" so the name can be used
// with an *at syscall rooted at an anchor's directory descriptor. The
// literal "/" itself resolves to "" (AT_EMPTY_PATH territory).
func relative(virtualPath string) string {
	if virtualPath == "/" || virtualPath == "" {
		return ""
	}
	if len(virtualPath) > 0 && virtualPath[0] == '/' {
		return virtualPath[1:]
	}
	return virtualPath
}

// Relative exposes the leading-slash-stripping convention used to turn a
// virtual path into a name resolvable relative to an anchor.
func Relative(virtualPath string) string {
	return relative(virtualPath)
}

// Faccessat probes name under the tree for the given access mode (R_OK,
// X_OK, ...), following the spec's convention of AT_SYMLINK_NOFOLLOW.
// A successful probe clears errno; a failing one is reported unchanged
// so the caller can distinguish ENOENT ("no template") from other errors
// ("template present but inaccessible").
func (t *Tree) Faccessat(name string, mode uint32) error {
	rel := relative(name)
	if rel == "" {
		return nil
	}
	return unix.Faccessat(t.Fd(), rel, mode, unix.AT_SYMLINK_NOFOLLOW)
}

// Openat opens name under the tree with the given flags/mode.
func (t *Tree) Openat(name string, flags int, mode uint32) (int, error) {
	rel := relative(name)
	if rel == "" {
		rel = "."
	}
	return unix.Openat(t.Fd(), rel, flags, mode)
}

// Fstatat stats name under the tree without following a trailing symlink.
func (t *Tree) Fstatat(name string, st *unix.Stat_t) error {
	rel := relative(name)
	flags := unix.AT_SYMLINK_NOFOLLOW
	if rel == "" {
		rel = ""
		flags |= unix.AT_EMPTY_PATH
	}
	return unix.Fstatat(t.Fd(), rel, st, flags)
}

// OpenRootDup duplicates the tree's own directory descriptor and rewinds
// it, for servicing opendir("/") against the anchor itself.
func (t *Tree) OpenRootDup() (*os.File, error) {
	fd, err := unix.Dup(t.Fd())
	if err != nil {
		return nil, fmt.Errorf("anchor: dup root fd: %w", err)
	}
	f := os.NewFile(uintptr(fd), t.Path)
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("anchor: rewind root fd: %w", err)
	}
	return f, nil
}
