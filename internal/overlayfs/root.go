//go:build !cgofuse

// Package overlayfs implements the filesystem operations surface: the
// full POSIX-shaped callback table the FUSE kernel layer invokes,
// routing each call to pass-through against the lower tree or to a
// synthesized-contents path based on whether the virtual path has a
// matching template-tree entry. This file holds the default build,
// using github.com/hanwen/go-fuse/v2's high-level nodefs API; the
// cgofuse-tagged alternate in overlayfs_cgofuse.go mirrors the same
// dispatch logic through a path-based interface for platforms where
// go-fuse's kernel driver isn't available.
package overlayfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/anchor"
	"github.com/paul-chambers/templatefs/internal/config"
	"github.com/paul-chambers/templatefs/internal/handle"
	"github.com/paul-chambers/templatefs/internal/logging"
	"github.com/paul-chambers/templatefs/internal/metrics"
)

// Root is the shared, effectively-read-only-after-init state every node
// retrieves through its embedding rather than a package-level global:
// the two tree anchors, the handle store, configuration, logging and
// metrics collaborators.
type Root struct {
	Anchors *anchor.Pair
	Handles *handle.Store
	Config  *config.Configuration
	Log     *logging.Logger
	Metrics *metrics.Collector
}

// Node is both a file and directory node; which operations apply is
// determined at runtime from the lower tree's stat, matching the
// teacher's single-embeddable-type style for its loopback nodes.
type Node struct {
	fs.Inode
	root *Root
	rel  string // path relative to the anchors, "" at the root; no leading slash
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeLinker     = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
)

// NewRoot builds the root Node of the mount tree.
func NewRoot(anchors *anchor.Pair, handles *handle.Store, cfg *config.Configuration, log *logging.Logger, mc *metrics.Collector) *Node {
	return &Node{root: &Root{Anchors: anchors, Handles: handles, Config: cfg, Log: log, Metrics: mc}}
}

// virtualPath reconstructs the FUSE-visible absolute path ("/" leading)
// used for faccessat probes against the template anchor and for the
// executable-template driver's argv.
func (n *Node) virtualPath() string {
	if n.rel == "" {
		return "/"
	}
	return "/" + n.rel
}

func childRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// isTemplate probes the template tree for a readable entry at this
// node's virtual path, per §4.E's template-gating convention: a
// successful access clears errno; ENOENT/EACCES distinguish "no
// template" from other failures, the latter logged rather than
// silently treated as absence.
func (n *Node) isTemplate() bool {
	err := n.root.Anchors.Templates.Faccessat(n.virtualPath(), unix.R_OK)
	if err == nil {
		return true
	}
	if err != syscall.ENOENT && err != syscall.EACCES {
		n.root.Log.Log(logging.Warning, "", 0, "template probe on %s failed unexpectedly: %v", n.virtualPath(), err)
	}
	return false
}

func (n *Node) isExecutableTemplate() bool {
	return n.root.Anchors.Templates.Faccessat(n.virtualPath(), unix.X_OK) == nil
}

// statNode stats this node's effective backing file: the template file
// if one applies, else the lower-tree file.
func (n *Node) statNode() (unix.Stat_t, bool, error) {
	var st unix.Stat_t
	isTmpl := n.isTemplate()
	tree := n.root.Anchors.Mount
	if isTmpl {
		tree = n.root.Anchors.Templates
	}
	err := tree.Fstatat(n.virtualPath(), &st)
	return st, isTmpl, err
}

func fillAttrFromStat(st *unix.Stat_t, out *fuse.Attr, isTemplate bool, overrideSize int64, hasOverride bool) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Mtime = uint64(st.Mtim.Sec)
	out.Atime = uint64(st.Atim.Sec)
	out.Ctime = uint64(st.Ctim.Sec)

	if isTemplate {
		// Clear write bits unconditionally; clear execute bits unless
		// this is a directory (§4.E getattr template branch).
		out.Mode &^= 0o222
		if st.Mode&unix.S_IFDIR == 0 {
			out.Mode &^= 0o111
		}
		if hasOverride {
			out.Size = uint64(overrideSize)
		}
	}
}

// Lookup resolves name under this directory against the lower tree.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := childRel(n.rel, name)
	child := &Node{root: n.root, rel: rel}

	var st unix.Stat_t
	if err := n.root.Anchors.Mount.Fstatat(child.virtualPath(), &st); err != nil {
		return nil, fs.ToErrno(err)
	}

	isTmpl := child.isTemplate()
	fillAttrFromStat(&st, &out.Attr, isTmpl, 0, false)

	mode := st.Mode &^ 0o7777 // keep only the file-type bits for StableAttr
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: st.Ino}), 0
}

// Getattr stats the template file (overriding mode/size as required)
// when one applies, else the lower-tree file directly.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, isTmpl, err := n.statNode()
	if err != nil {
		return fs.ToErrno(err)
	}

	var overrideSize int64
	hasOverride := false
	if of, ok := f.(*openFile); ok {
		if v, gerr := n.root.Handles.GetFile(of.token); gerr == nil && v.IsTemplate {
			overrideSize = int64(len(v.Rendered))
			hasOverride = true
		}
	}

	fillAttrFromStat(&st, &out.Attr, isTmpl, overrideSize, hasOverride)
	return 0
}

// Statfs passes through to the mount anchor unconditionally.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st unix.Statfs_t
	if err := unix.Fstatfs(n.root.Anchors.Mount.Fd(), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}
