// Package fuse exposes the local content store as a read-only filesystem.
//
// The mount has two directories:
//
//	content/<id>              one file per record, named by content id
//	by-title/<title> [<id>]   the same files named after their title
package fuse

import (
	"context"
	"fmt"
	"os"
	"time"

	"mediashare/pkg/store"
	"mediashare/pkg/types"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// ContentSource is the part of the store the filesystem reads from.
type ContentSource interface {
	GetContent(ctx context.Context, id types.ContentID) (*types.ContentRecord, error)
	StatContent(ctx context.Context, id types.ContentID) (*types.ContentRecord, error)
	GetLocalContent(ctx context.Context, q store.Query) ([]types.ContentRecord, error)
	Usage(ctx context.Context) (count int, bytes int64, err error)
	Capacity() int64
}

// Mount is a live mount of a content store.
type Mount struct {
	server     *fuse.Server
	mountpoint string
	logger     *zap.Logger
}

// MountStore mounts source read-only at mountpoint, creating the directory
// if needed. Callers must Unmount when done.
func MountStore(source ContentSource, mountpoint string, logger *zap.Logger) (*Mount, error) {
	if mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mountpoint %s: %w", mountpoint, err)
	}

	root := newRoot(source, logger)

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:  "mediashare",
			Name:    "mediashare",
			Options: []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount filesystem at %s: %w", mountpoint, err)
	}

	logger.Info("Content store mounted", zap.String("mountpoint", mountpoint))
	return &Mount{server: server, mountpoint: mountpoint, logger: logger}, nil
}

func (m *Mount) Unmount() error {
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", m.mountpoint, err)
	}
	m.logger.Info("Content store unmounted", zap.String("mountpoint", m.mountpoint))
	return nil
}

// Wait blocks until the filesystem is unmounted.
func (m *Mount) Wait() {
	m.server.Wait()
}
