package fuse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"mediashare/pkg/store"
	"mediashare/pkg/types"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

const blockSize = 4096

type rootNode struct {
	gofuse.Inode
	source ContentSource
	logger *zap.Logger
}

var _ gofuse.NodeOnAdder = (*rootNode)(nil)
var _ gofuse.NodeStatfser = (*rootNode)(nil)

func newRoot(source ContentSource, logger *zap.Logger) *rootNode {
	return &rootNode{source: source, logger: logger}
}

func (r *rootNode) OnAdd(ctx context.Context) {
	content := r.NewPersistentInode(ctx, &contentDir{source: r.source, logger: r.logger}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	r.AddChild("content", content, true)

	byTitle := r.NewPersistentInode(ctx, &titleDir{source: r.source, logger: r.logger}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	r.AddChild("by-title", byTitle, true)
}

// Statfs reports the store's usage against its capacity so df works. An
// unlimited store reports its usage as the whole filesystem.
func (r *rootNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	count, used, err := r.source.Usage(ctx)
	if err != nil {
		r.logger.Warn("Failed to read store usage", zap.Error(err))
		return syscall.EIO
	}
	total := r.source.Capacity()
	if total <= 0 || total < used {
		total = used
	}

	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64((total + blockSize - 1) / blockSize)
	out.Bfree = uint64((total - used) / blockSize)
	out.Bavail = out.Bfree
	out.Files = uint64(count)
	out.NameLen = 255
	return 0
}

// contentDir lists every record by id.
type contentDir struct {
	gofuse.Inode
	source ContentSource
	logger *zap.Logger
}

var _ gofuse.NodeReaddirer = (*contentDir)(nil)
var _ gofuse.NodeLookuper = (*contentDir)(nil)

func (d *contentDir) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	records, err := d.source.GetLocalContent(ctx, store.Query{SortField: store.SortID, Direction: store.Ascending})
	if err != nil {
		d.logger.Error("Failed to list content", zap.Error(err))
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, fuse.DirEntry{Name: string(r.ID), Mode: syscall.S_IFREG})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (d *contentDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	record, err := d.source.StatContent(ctx, types.ContentID(name))
	if errors.Is(err, types.ErrNotFound) {
		return nil, syscall.ENOENT
	}
	if err != nil {
		d.logger.Error("Failed to stat content", zap.String("content_id", name), zap.Error(err))
		return nil, syscall.EIO
	}
	return newFileInode(ctx, &d.Inode, d.source, record, out), 0
}

// titleDir names each record after its title, suffixed with the id so
// names stay unique.
type titleDir struct {
	gofuse.Inode
	source ContentSource
	logger *zap.Logger
}

var _ gofuse.NodeReaddirer = (*titleDir)(nil)
var _ gofuse.NodeLookuper = (*titleDir)(nil)

func (d *titleDir) list(ctx context.Context) ([]types.ContentRecord, error) {
	return d.source.GetLocalContent(ctx, store.Query{SortField: "title", Direction: store.Ascending})
}

func (d *titleDir) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	records, err := d.list(ctx)
	if err != nil {
		d.logger.Error("Failed to list content", zap.Error(err))
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, fuse.DirEntry{Name: TitleName(r), Mode: syscall.S_IFREG})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (d *titleDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	records, err := d.list(ctx)
	if err != nil {
		d.logger.Error("Failed to list content", zap.Error(err))
		return nil, syscall.EIO
	}
	for i := range records {
		if TitleName(records[i]) == name {
			return newFileInode(ctx, &d.Inode, d.source, &records[i], out), 0
		}
	}
	return nil, syscall.ENOENT
}

// TitleName is the by-title file name of a record: "<title> [<id prefix>]",
// or the bare id when the record has no title.
func TitleName(r types.ContentRecord) string {
	title := strings.TrimSpace(r.Metadata.String("title"))
	if title == "" {
		return string(r.ID)
	}
	title = strings.Map(func(c rune) rune {
		if c == '/' || c == 0 {
			return '_'
		}
		return c
	}, title)
	id := string(r.ID)
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("%s [%s]", title, id)
}

// fileNode is one record. The payload is read on Open and held by the
// handle.
type fileNode struct {
	gofuse.Inode
	source ContentSource
	record *types.ContentRecord
}

var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func newFileInode(ctx context.Context, parent *gofuse.Inode, source ContentSource, record *types.ContentRecord, out *fuse.EntryOut) *gofuse.Inode {
	node := &fileNode{source: source, record: record}
	node.fill(&out.Attr)
	return parent.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
}

func (f *fileNode) fill(attr *fuse.Attr) {
	attr.Mode = syscall.S_IFREG | 0444
	attr.Size = uint64(f.record.Size)
	attr.Blocks = (attr.Size + 511) / 512
	attr.Blksize = blockSize
	attr.Nlink = 1
	t := uint64(f.record.AddedAt.Unix())
	attr.Mtime = t
	attr.Atime = t
	attr.Ctime = t
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fill(&out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	record, err := f.source.GetContent(ctx, f.record.ID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, 0, syscall.ENOENT
	}
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &payloadHandle{data: record.Payload}, fuse.FOPEN_KEEP_CACHE, 0
}

type payloadHandle struct {
	data []byte
}

var _ gofuse.FileReader = (*payloadHandle)(nil)

func (h *payloadHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(off+int64(len(dest)), int64(len(h.data)))
	return fuse.ReadResultData(h.data[off:end]), 0
}
