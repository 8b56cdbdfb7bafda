package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/fzone/internal/dag"
)

// MountFS mounts a read-only view of repo at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, repo *dag.Repository, logger *logrus.Logger, debug bool) (*gofuse.Server, error) {
	root := &RootNode{repo: repo, log: logger}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "fzone",
			Name:          "fzone",
			DisableXAttrs: true,
			Debug:         debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithField("mountpoint", mountpoint).Info("mounted")
	}
	return server, nil
}
