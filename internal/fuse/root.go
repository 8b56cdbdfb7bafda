package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/fzone/internal/dag"
)

// RootNode is the mountpoint directory. Contains "objects/", "cids/" and
// "channels/".
type RootNode struct {
	fs.Inode
	repo *dag.Repository
	log  *logrus.Logger
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	objectsDir := &ObjectsDir{repo: r.repo}
	objectsInode := r.NewPersistentInode(ctx, objectsDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("objects"),
	})
	r.AddChild("objects", objectsInode, true)

	cidsDir := &ObjectsDir{repo: r.repo, byCID: true}
	cidsInode := r.NewPersistentInode(ctx, cidsDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("cids"),
	})
	r.AddChild("cids", cidsInode, true)

	channelsDir := &ChannelsDir{repo: r.repo, log: r.log}
	channelsInode := r.NewPersistentInode(ctx, channelsDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("channels"),
	})
	r.AddChild("channels", channelsInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}
