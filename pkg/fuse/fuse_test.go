package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"mediashare/pkg/store"
	"mediashare/pkg/types"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T, maxStorage int64) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{
		Path:       filepath.Join(t.TempDir(), "content.db"),
		MaxStorage: maxStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func names(t *testing.T, stream gofuse.DirStream) []string {
	t.Helper()
	var out []string
	for stream.HasNext() {
		entry, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		out = append(out, entry.Name)
	}
	return out
}

func TestContentDirListsIDs(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()

	a, err := s.StoreContent(ctx, []byte("first"), types.Metadata{"title": "First"})
	require.NoError(t, err)
	b, err := s.StoreContent(ctx, []byte("second"), types.Metadata{"title": "Second"})
	require.NoError(t, err)

	dir := &contentDir{source: s, logger: zap.NewNop()}
	stream, errno := dir.Readdir(ctx)
	require.Equal(t, syscall.Errno(0), errno)

	expected := []string{string(a.ID), string(b.ID)}
	if expected[0] > expected[1] {
		expected[0], expected[1] = expected[1], expected[0]
	}
	assert.Equal(t, expected, names(t, stream))
}

func TestTitleDirListsTitles(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()

	rec, err := s.StoreContent(ctx, []byte("song"), types.Metadata{"title": "AC/DC Live"})
	require.NoError(t, err)
	bare, err := s.StoreContent(ctx, []byte("untitled"), types.Metadata{"type": "audio"})
	require.NoError(t, err)

	dir := &titleDir{source: s, logger: zap.NewNop()}
	stream, errno := dir.Readdir(ctx)
	require.Equal(t, syscall.Errno(0), errno)

	got := names(t, stream)
	assert.ElementsMatch(t, []string{"AC_DC Live [" + string(rec.ID)[:12] + "]", string(bare.ID)}, got)
}

func TestTitleName(t *testing.T) {
	tests := []struct {
		name     string
		record   types.ContentRecord
		expected string
	}{
		{"Titled", types.ContentRecord{ID: "0123456789abcdef", Metadata: types.Metadata{"title": "Ocean"}}, "Ocean [0123456789ab]"},
		{"ShortID", types.ContentRecord{ID: "abc", Metadata: types.Metadata{"title": "Ocean"}}, "Ocean [abc]"},
		{"Slash", types.ContentRecord{ID: "abc", Metadata: types.Metadata{"title": "a/b"}}, "a_b [abc]"},
		{"Blank", types.ContentRecord{ID: "abc", Metadata: types.Metadata{"title": "  "}}, "abc"},
		{"Missing", types.ContentRecord{ID: "abc"}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TitleName(tt.record))
		})
	}
}

func TestFileReadsPayload(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	rec, err := s.StoreContent(ctx, payload, types.Metadata{"title": "Fox"})
	require.NoError(t, err)

	node := &fileNode{source: s, record: rec}

	var attr fuse.AttrOut
	require.Equal(t, syscall.Errno(0), node.Getattr(ctx, nil, &attr))
	assert.Equal(t, uint64(len(payload)), attr.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0444), attr.Mode)
	assert.Equal(t, uint64(rec.AddedAt.Unix()), attr.Mtime)

	fh, _, errno := node.Open(ctx, syscall.O_RDONLY)
	require.Equal(t, syscall.Errno(0), errno)
	reader, ok := fh.(gofuse.FileReader)
	require.True(t, ok)

	read := func(off int64, size int) string {
		result, errno := reader.Read(ctx, make([]byte, size), off)
		require.Equal(t, syscall.Errno(0), errno)
		data, status := result.Bytes(make([]byte, size))
		require.Equal(t, fuse.OK, status)
		return string(data)
	}
	assert.Equal(t, "the quick", read(0, 9))
	assert.Equal(t, "brown fox", read(10, 100))
	assert.Equal(t, "", read(int64(len(payload)), 10))

	_, _, errno = node.Open(ctx, syscall.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)

	_, err = s.DeleteContent(ctx, rec.ID)
	require.NoError(t, err)
	_, _, errno = node.Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestStatfsReportsUsage(t *testing.T) {
	s := setupTestStore(t, 10*blockSize)
	ctx := context.Background()

	_, err := s.StoreContent(ctx, make([]byte, 2*blockSize), types.Metadata{"title": "Blocks"})
	require.NoError(t, err)

	root := newRoot(s, zap.NewNop())
	var out fuse.StatfsOut
	require.Equal(t, syscall.Errno(0), root.Statfs(ctx, &out))
	assert.Equal(t, uint64(10), out.Blocks)
	assert.Equal(t, uint64(8), out.Bfree)
	assert.Equal(t, uint64(1), out.Files)
}

func TestMountServesContent(t *testing.T) {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
	s := setupTestStore(t, 0)
	ctx := context.Background()

	rec, err := s.StoreContent(ctx, []byte("mounted bytes"), types.Metadata{"title": "Mounted"})
	require.NoError(t, err)

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	m, err := MountStore(s, mountpoint, zap.NewNop())
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() { assert.NoError(t, m.Unmount()) })

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(mountpoint, "content"))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(mountpoint, "content", string(rec.ID)))
	require.NoError(t, err)
	assert.Equal(t, "mounted bytes", string(data))

	data, err = os.ReadFile(filepath.Join(mountpoint, "by-title", TitleName(*rec)))
	require.NoError(t, err)
	assert.Equal(t, "mounted bytes", string(data))

	err = os.WriteFile(filepath.Join(mountpoint, "content", string(rec.ID)), []byte("x"), 0644)
	assert.Error(t, err)
}
