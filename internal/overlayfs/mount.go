//go:build !cgofuse

package overlayfs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/paul-chambers/templatefs/internal/anchor"
	"github.com/paul-chambers/templatefs/internal/config"
	"github.com/paul-chambers/templatefs/internal/handle"
	"github.com/paul-chambers/templatefs/internal/logging"
	"github.com/paul-chambers/templatefs/internal/metrics"
)

// Server wraps the mounted FUSE session so the CLI can wait on it and
// request a clean unmount on signal.
type Server struct {
	fuseServer *fuse.Server
	anchors    *anchor.Pair
}

// Mount sets up the kernel-facing config — inode numbers from this layer
// (Lookup reports the lower tree's), every cache timeout forced to zero
// regardless of what the application configuration requests, and
// NullPermissions so permission bits are reported as stat(2) gives them —
// and mounts at mountPoint. No null-path option is set: go-fuse's node
// API serves open-handle operations through the node and its handle.
func Mount(mountPoint string, anchors *anchor.Pair, cfg *config.Configuration, log *logging.Logger, mc *metrics.Collector) (*Server, error) {
	handles := handle.NewStore()
	root := NewRoot(anchors, handles, cfg, log, mc)

	zero := time.Duration(0)
	opts := &fs.Options{
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
		NullPermissions: true,
		MountOptions: fuse.MountOptions{
			AllowOther:    cfg.Mount.AllowOther,
			SingleThreaded: cfg.Mount.SingleThreaded,
			Name:          "templatefs",
			FsName:        anchors.Mount.Path,
			Logger:        log.StdLogAdapter(logging.Debug),
		},
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, err
	}

	return &Server{fuseServer: server, anchors: anchors}, nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	s.fuseServer.Wait()
}

// Unmount requests a clean unmount, e.g. on receipt of SIGTERM.
func (s *Server) Unmount() error {
	return s.fuseServer.Unmount()
}
