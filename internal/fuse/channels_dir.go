package fuse

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/systemshift/fzone/internal/dag"
)

// channelName turns a channel key into a single path component.
// did:key keys keep their colons; "/" and other reserved bytes are
// percent-escaped, as are the dots of "." and "..".
func channelName(key string) string {
	if key == "." || key == ".." {
		return strings.Repeat("%2E", len(key))
	}
	return url.PathEscape(key)
}

func channelKey(name string) (string, bool) {
	key, err := url.PathUnescape(name)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

// ChannelsDir lists every known channel.
// Layout: channels/<key>/head, entries, petname.
type ChannelsDir struct {
	fs.Inode
	repo *dag.Repository
	log  *logrus.Logger
}

var _ = (fs.NodeLookuper)((*ChannelsDir)(nil))
var _ = (fs.NodeReaddirer)((*ChannelsDir)(nil))
var _ = (fs.NodeGetattrer)((*ChannelsDir)(nil))

func (d *ChannelsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("channels")
	return fs.OK
}

func (d *ChannelsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	keys, err := d.repo.Channels(ctx)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("list channels")
		}
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, len(keys))
	for i, key := range keys {
		name := channelName(key)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("channels/" + name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *ChannelsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	key, ok := channelKey(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	keys, err := d.repo.Channels(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	found := false
	for _, k := range keys {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		return nil, syscall.ENOENT
	}

	dir := &ChannelDir{repo: d.repo, key: key}
	child := d.NewInode(ctx, dir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("channels/" + name),
	})
	return child, fs.OK
}

// ChannelDir holds the files describing one channel.
type ChannelDir struct {
	fs.Inode
	repo *dag.Repository
	key  string
}

var _ = (fs.NodeLookuper)((*ChannelDir)(nil))
var _ = (fs.NodeReaddirer)((*ChannelDir)(nil))
var _ = (fs.NodeGetattrer)((*ChannelDir)(nil))

var channelFiles = []string{"head", "entries", "petname"}

func (d *ChannelDir) path(name string) string {
	return "channels/" + channelName(d.key) + "/" + name
}

func (d *ChannelDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("channels/" + channelName(d.key))
	return fs.OK
}

func (d *ChannelDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, len(channelFiles))
	for i, name := range channelFiles {
		entries[i] = fuse.DirEntry{Name: name, Mode: syscall.S_IFREG, Ino: stableIno(d.path(name))}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *ChannelDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var content func(ctx context.Context) ([]byte, error)
	switch name {
	case "head":
		content = d.headBytes
	case "entries":
		content = d.entriesBytes
	case "petname":
		content = d.petnameBytes
	default:
		return nil, syscall.ENOENT
	}
	f := &TextFile{ino: stableIno(d.path(name)), content: content}
	child := d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  f.ino,
	})
	return child, fs.OK
}

// headBytes is the head hash, or empty for a channel without entries.
func (d *ChannelDir) headBytes(ctx context.Context) ([]byte, error) {
	head, err := d.repo.ChannelRoot(ctx, d.key)
	if errors.Is(err, dag.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(head + "\n"), nil
}

// entriesBytes lists "<hash> <t>" per entry in channel order.
func (d *ChannelDir) entriesBytes(ctx context.Context) ([]byte, error) {
	entries, err := d.repo.ChannelEntries(ctx, d.key)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %d\n", e.Hash, e.Time)
	}
	return []byte(b.String()), nil
}

func (d *ChannelDir) petnameBytes(ctx context.Context) ([]byte, error) {
	return []byte(dag.Petname(d.key) + "\n"), nil
}

// TextFile is a read-only file whose content is computed on each access.
type TextFile struct {
	fs.Inode
	ino     uint64
	content func(ctx context.Context) ([]byte, error)
}

var _ = (fs.NodeGetattrer)((*TextFile)(nil))
var _ = (fs.NodeReader)((*TextFile)(nil))
var _ = (fs.NodeOpener)((*TextFile)(nil))

func (f *TextFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := f.content(ctx)
	if err != nil {
		return syscall.EIO
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = f.ino
	return fs.OK
}

func (f *TextFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *TextFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.content(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}
