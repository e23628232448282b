package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"mediashare/pkg/codec"
	"mediashare/pkg/types"

	"go.uber.org/zap"
)

const blobFormatVersion = 1

type blobFile struct {
	Version int     `cbor:"1,keyasint"`
	Size    int64   `cbor:"2,keyasint"`
	Chunks  []Chunk `cbor:"3,keyasint"`
}

// BlobStore keeps payload bytes on disk, one chunked container file per
// reference, fanned out by the first two characters of the reference.
type BlobStore struct {
	dir    string
	chunks *ChunkManager
	logger *zap.Logger
}

func NewBlobStore(dir string, chunks *ChunkManager, logger *zap.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if chunks == nil {
		chunks = NewChunkManager()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{dir: dir, chunks: chunks, logger: logger}, nil
}

func (bs *BlobStore) path(ref string) (string, error) {
	if len(ref) < 3 || filepath.Base(ref) != ref {
		return "", types.InputError("invalid blob reference %q", ref)
	}
	return filepath.Join(bs.dir, ref[:2], ref+".blob"), nil
}

// Put writes data under ref, replacing any previous blob.
func (bs *BlobStore) Put(ref string, data []byte) error {
	path, err := bs.path(ref)
	if err != nil {
		return err
	}

	chunks, err := bs.chunks.SplitIntoChunks(data, ref)
	if err != nil {
		return fmt.Errorf("failed to chunk blob %s: %w", ref, err)
	}
	encoded, err := codec.Marshal(blobFile{
		Version: blobFormatVersion,
		Size:    int64(len(data)),
		Chunks:  chunks,
	})
	if err != nil {
		return fmt.Errorf("failed to encode blob %s: %w", ref, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit blob %s: %w", ref, err)
	}

	bs.logger.Debug("Blob stored",
		zap.String("ref", ref),
		zap.Int("chunks", len(chunks)),
		zap.Int("size", len(data)),
		zap.Int("stored_size", len(encoded)))
	return nil
}

// Get reads and verifies the blob stored under ref.
func (bs *BlobStore) Get(ref string) ([]byte, error) {
	path, err := bs.path(ref)
	if err != nil {
		return nil, err
	}
	encoded, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.NotFoundError("blob", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}

	var file blobFile
	if err := codec.Unmarshal(encoded, &file); err != nil {
		return nil, types.VerificationError("blob %s is unreadable: %v", ref, err)
	}
	if file.Version != blobFormatVersion {
		return nil, fmt.Errorf("blob %s has unsupported format version %d", ref, file.Version)
	}

	data, err := bs.chunks.ReassembleChunks(file.Chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to reassemble blob %s: %w", ref, err)
	}
	if int64(len(data)) != file.Size {
		return nil, types.VerificationError("blob %s is %d bytes, header says %d", ref, len(data), file.Size)
	}
	return data, nil
}

// Delete removes the blob; a missing blob is not an error.
func (bs *BlobStore) Delete(ref string) error {
	path, err := bs.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", ref, err)
	}
	return nil
}

func (bs *BlobStore) Has(ref string) bool {
	path, err := bs.path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
