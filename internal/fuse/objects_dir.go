package fuse

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/fzone/internal/dag"
)

// ObjectsDir lists finalized objects, named by hash or, with byCID, by
// their CIDv1 string.
type ObjectsDir struct {
	fs.Inode
	repo  *dag.Repository
	byCID bool
}

var _ = (fs.NodeLookuper)((*ObjectsDir)(nil))
var _ = (fs.NodeReaddirer)((*ObjectsDir)(nil))
var _ = (fs.NodeGetattrer)((*ObjectsDir)(nil))

func (d *ObjectsDir) dirName() string {
	if d.byCID {
		return "cids"
	}
	return "objects"
}

func (d *ObjectsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.dirName())
	return fs.OK
}

func (d *ObjectsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	hashes, err := d.repo.Store.ListFinalized()
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(hashes))
	for _, hash := range hashes {
		name, ok := d.entryName(hash)
		if !ok {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("objects/" + hash),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *ObjectsDir) entryName(hash string) (string, bool) {
	if !d.byCID {
		return hash, true
	}
	c, err := dag.ObjectCID(hash)
	if err != nil {
		return "", false
	}
	return dag.CIDString(c), true
}

func (d *ObjectsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	hash := name
	if d.byCID {
		var err error
		if hash, err = dag.HashFromCID(name); err != nil {
			return nil, syscall.ENOENT
		}
	}
	if !d.repo.Store.HasFinalized(hash) {
		return nil, syscall.ENOENT
	}
	f := &ObjectFile{repo: d.repo, hash: hash}
	child := d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno("objects/" + hash),
	})
	return child, fs.OK
}

// ObjectFile exposes the bytes of one finalized object.
type ObjectFile struct {
	fs.Inode
	repo *dag.Repository
	hash string
}

var _ = (fs.NodeGetattrer)((*ObjectFile)(nil))
var _ = (fs.NodeOpener)((*ObjectFile)(nil))

func (f *ObjectFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	size, err := f.repo.Store.FinalizedSize(f.hash)
	if err != nil {
		return syscall.ENOENT
	}
	out.Mode = 0444
	out.Size = uint64(size)
	out.Ino = stableIno("objects/" + f.hash)
	return fs.OK
}

func (f *ObjectFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	file, err := f.repo.Store.OpenFinalized(f.hash)
	if errors.Is(err, dag.ErrNotFound) {
		return nil, 0, syscall.ENOENT
	}
	if err != nil {
		return nil, 0, syscall.EIO
	}
	// Objects are immutable.
	return &objectHandle{f: file}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// objectHandle reads from an open object file.
type objectHandle struct {
	f *os.File
}

var _ = (fs.FileReader)((*objectHandle)(nil))
var _ = (fs.FileReleaser)((*objectHandle)(nil))

func (h *objectHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *objectHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.f.Close(); err != nil {
		return syscall.EIO
	}
	return fs.OK
}
