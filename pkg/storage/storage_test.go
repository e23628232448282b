package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"mediashare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChunkManagerChunkSizeSelection(t *testing.T) {
	cm := NewChunkManager()

	tests := []struct {
		name     string
		size     int64
		expected int
	}{
		{"Small payload (<1MB)", 512 * 1024, SmallChunkSize},
		{"Medium payload (1-100MB)", 50 * 1024 * 1024, DefaultChunkSize},
		{"Large payload (>100MB)", 200 * 1024 * 1024, LargeChunkSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cm.GetOptimalChunkSize(tt.size))
		})
	}
}

func TestChunkSplittingAndReassembly(t *testing.T) {
	codecs := []Compression{CompressionNone, CompressionZstd, CompressionLZ4}
	sizes := []int{
		0,
		100,
		64 * 1024,
		64*1024 + 1,
		3 * 1024 * 1024,
	}

	for _, codec := range codecs {
		cm := NewChunkManagerWithOptions(0, codec)
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/Size_%d", codec, size), func(t *testing.T) {
				original := make([]byte, size)
				_, err := rand.Read(original)
				require.NoError(t, err)

				chunks, err := cm.SplitIntoChunks(original, "ref")
				require.NoError(t, err)
				require.NotEmpty(t, chunks)

				var total int64
				for i, chunk := range chunks {
					assert.Equal(t, i, chunk.Index)
					assert.NotEmpty(t, chunk.ID)
					assert.Len(t, chunk.Hash, 64)
					assert.True(t, cm.VerifyChunk(&chunk))
					total += chunk.OriginalSize
				}
				assert.Equal(t, int64(size), total)

				reassembled, err := cm.ReassembleChunks(chunks)
				require.NoError(t, err)
				assert.Equal(t, len(original), len(reassembled))
				assert.Equal(t, original, reassembled[:len(original)])
			})
		}
	}
}

func TestChunkCompression(t *testing.T) {
	for _, codec := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(codec), func(t *testing.T) {
			cm := NewChunkManagerWithOptions(DefaultChunkSize, codec)

			zeros := make([]byte, 1024*1024)
			chunks, err := cm.SplitIntoChunks(zeros, "zeros")
			require.NoError(t, err)
			require.Len(t, chunks, 1)
			assert.Equal(t, codec, chunks[0].Compression)
			assert.Less(t, chunks[0].Size, chunks[0].OriginalSize)

			reassembled, err := cm.ReassembleChunks(chunks)
			require.NoError(t, err)
			assert.Equal(t, zeros, reassembled)

			random := make([]byte, 1024*1024)
			rand.Read(random)
			chunks, err = cm.SplitIntoChunks(random, "random")
			require.NoError(t, err)
			for _, chunk := range chunks {
				if chunk.Compression == CompressionNone {
					assert.Equal(t, chunk.Size, chunk.OriginalSize, "stored raw when incompressible")
				}
			}
		})
	}
}

func TestChunkIntegrity(t *testing.T) {
	cm := NewChunkManager()
	data := []byte("Test data for integrity check")

	chunks, err := cm.SplitIntoChunks(data, "test")
	require.NoError(t, err)

	original := chunks[0].Data
	chunks[0].Data = []byte("corrupted data for integrity!")
	chunks[0].OriginalSize = int64(len(chunks[0].Data))

	assert.False(t, cm.VerifyChunk(&chunks[0]))
	_, err = cm.ReassembleChunks(chunks)
	assert.True(t, errors.Is(err, types.ErrVerification))

	chunks[0].Data = original
	chunks[0].OriginalSize = int64(len(original))
	reassembled, err := cm.ReassembleChunks(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, reassembled)
}

func TestEdgeCases(t *testing.T) {
	cm := NewChunkManagerWithOptions(8, CompressionNone)

	t.Run("MissingChunk", func(t *testing.T) {
		chunks, err := cm.SplitIntoChunks([]byte("Test data with multiple chunks"), "test")
		require.NoError(t, err)
		require.Greater(t, len(chunks), 2)

		chunks = append(chunks[:1], chunks[2:]...)
		_, err = cm.ReassembleChunks(chunks)
		assert.Error(t, err)
	})

	t.Run("OutOfOrderChunks", func(t *testing.T) {
		data := []byte("abcdefghijklmnopqrstuvwxyz0123456789")
		chunks, err := cm.SplitIntoChunks(data, "test")
		require.NoError(t, err)

		for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
			chunks[i], chunks[j] = chunks[j], chunks[i]
		}

		reassembled, err := cm.ReassembleChunks(chunks)
		require.NoError(t, err)
		assert.Equal(t, data, reassembled)
	})
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("brotli")
	assert.True(t, errors.Is(err, types.ErrInput))
}

func TestBlobStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bs, err := NewBlobStore(dir, NewChunkManagerWithOptions(16, CompressionZstd), zap.NewNop())
	require.NoError(t, err)

	ref := "ab12cd34"
	payload := []byte("a payload long enough to span several sixteen byte chunks")

	require.NoError(t, bs.Put(ref, payload))
	assert.True(t, bs.Has(ref))

	got, err := bs.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, bs.Delete(ref))
	assert.False(t, bs.Has(ref))
	require.NoError(t, bs.Delete(ref), "deleting twice is fine")

	_, err = bs.Get(ref)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestBlobStoreEmptyPayload(t *testing.T) {
	bs, err := NewBlobStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, bs.Put("empty-ref", nil))
	got, err := bs.Get("empty-ref")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBlobStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	bs, err := NewBlobStore(dir, nil, nil)
	require.NoError(t, err)

	require.NoError(t, bs.Put("deadbeef", []byte("payload")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de", "deadbeef.blob"), []byte("garbage"), 0644))

	_, err = bs.Get("deadbeef")
	assert.True(t, errors.Is(err, types.ErrVerification))
}

func TestBlobStoreRejectsBadRefs(t *testing.T) {
	bs, err := NewBlobStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	for _, ref := range []string{"", "ab", "../escape", "a/b/c"} {
		err := bs.Put(ref, []byte("x"))
		assert.True(t, errors.Is(err, types.ErrInput), "ref %q", ref)
	}
}

func BenchmarkChunkSplitting(b *testing.B) {
	cm := NewChunkManager()
	data := make([]byte, 10*1024*1024)
	rand.Read(data)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cm.SplitIntoChunks(data, "bench")
	}
	b.SetBytes(int64(len(data)))
}

func BenchmarkCompression(b *testing.B) {
	cm := NewChunkManagerWithOptions(DefaultChunkSize, CompressionZstd)
	data := make([]byte, 1024*1024)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cm.SplitIntoChunks(data, "bench")
	}
	b.SetBytes(int64(len(data)))
}
