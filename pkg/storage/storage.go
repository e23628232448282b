package storage

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"mediashare/pkg/types"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	DefaultChunkSize = 1024 * 1024     // 1MB chunks
	SmallChunkSize   = 64 * 1024       // 64KB for small payloads
	LargeChunkSize   = 4 * 1024 * 1024 // 4MB for large payloads

	SmallPayloadThreshold = 1024 * 1024       // Payloads < 1MB
	LargePayloadThreshold = 100 * 1024 * 1024 // Payloads > 100MB
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

func ParseCompression(name string) (Compression, error) {
	switch Compression(strings.ToLower(name)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", types.InputError("unknown compression %q", name)
	}
}

// ChunkID names a chunk as <ref>-<index>-<hash prefix>.
type ChunkID string

// Chunk is one slice of a payload. Hash is always taken over the
// uncompressed bytes so integrity checks do not depend on the codec.
type Chunk struct {
	ID           ChunkID     `cbor:"1,keyasint"`
	Index        int         `cbor:"2,keyasint"`
	Size         int64       `cbor:"3,keyasint"` // Size of Data as stored
	OriginalSize int64       `cbor:"4,keyasint"`
	Hash         string      `cbor:"5,keyasint"`
	Compression  Compression `cbor:"6,keyasint"`
	Data         []byte      `cbor:"7,keyasint"`
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

type ChunkManager struct {
	chunkSize   int
	compression Compression
}

func NewChunkManager() *ChunkManager {
	return &ChunkManager{
		compression: CompressionNone,
	}
}

// NewChunkManagerWithOptions creates a ChunkManager with a fixed chunk size.
// A chunkSize of zero or less picks the size from the payload length.
func NewChunkManagerWithOptions(chunkSize int, compression Compression) *ChunkManager {
	if chunkSize < 0 {
		chunkSize = 0
	}
	if compression == "" {
		compression = CompressionNone
	}
	return &ChunkManager{
		chunkSize:   chunkSize,
		compression: compression,
	}
}

// GetOptimalChunkSize determines the best chunk size for a given payload size
func (cm *ChunkManager) GetOptimalChunkSize(payloadSize int64) int {
	if payloadSize < SmallPayloadThreshold {
		return SmallChunkSize
	} else if payloadSize > LargePayloadThreshold {
		return LargeChunkSize
	}
	return DefaultChunkSize
}

// SplitIntoChunks divides data into chunks, compressing each one when the
// configured codec actually makes it smaller.
func (cm *ChunkManager) SplitIntoChunks(data []byte, ref string) ([]Chunk, error) {
	size := cm.chunkSize
	if size == 0 {
		size = cm.GetOptimalChunkSize(int64(len(data)))
	}

	safeRef := strings.ReplaceAll(ref, "/", "_")
	chunks := make([]Chunk, 0, len(data)/size+1)

	// An empty payload still yields one empty chunk so it round-trips.
	offset := 0
	for index := 0; ; index++ {
		end := min(offset+size, len(data))
		raw := data[offset:end]
		hash := sha256.Sum256(raw)

		stored := raw
		codec := CompressionNone
		if cm.compression != CompressionNone && len(raw) > 0 {
			compressed, err := compress(raw, cm.compression)
			switch {
			case err == nil:
				stored = compressed
				codec = cm.compression
			case !errors.Is(err, errIncompressible):
				return nil, fmt.Errorf("failed to compress chunk %d: %w", index, err)
			}
		}

		chunkData := make([]byte, len(stored))
		copy(chunkData, stored)

		chunks = append(chunks, Chunk{
			ID:           ChunkID(fmt.Sprintf("%s-%d-%x", safeRef, index, hash[:8])),
			Index:        index,
			Size:         int64(len(chunkData)),
			OriginalSize: int64(len(raw)),
			Hash:         fmt.Sprintf("%x", hash),
			Compression:  codec,
			Data:         chunkData,
		})

		offset = end
		if offset >= len(data) {
			break
		}
	}

	return chunks, nil
}

// ReassembleChunks combines chunks back into the original payload,
// verifying each chunk against its hash.
func (cm *ChunkManager) ReassembleChunks(chunks []Chunk) ([]byte, error) {
	sorted := make([]*Chunk, len(chunks))
	var total int64
	for i := range chunks {
		chunk := &chunks[i]
		if chunk.Index < 0 || chunk.Index >= len(chunks) {
			return nil, fmt.Errorf("invalid chunk index %d", chunk.Index)
		}
		if sorted[chunk.Index] != nil {
			return nil, fmt.Errorf("duplicate chunk index %d", chunk.Index)
		}
		sorted[chunk.Index] = chunk
		total += chunk.OriginalSize
	}

	result := make([]byte, 0, total)
	for i, chunk := range sorted {
		if chunk == nil {
			return nil, fmt.Errorf("missing chunk at index %d", i)
		}
		data, err := decompress(chunk.Data, chunk.Compression, int(chunk.OriginalSize))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %s: %w", chunk.ID, err)
		}
		if !verifyHash(data, chunk.Hash) {
			return nil, types.VerificationError("chunk %s hash mismatch", chunk.ID)
		}
		result = append(result, data...)
	}

	return result, nil
}

// VerifyChunk validates chunk integrity using its hash
func (cm *ChunkManager) VerifyChunk(chunk *Chunk) bool {
	data, err := decompress(chunk.Data, chunk.Compression, int(chunk.OriginalSize))
	if err != nil {
		return false
	}
	return verifyHash(data, chunk.Hash)
}

func verifyHash(data []byte, expected string) bool {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash) == expected
}

func compress(data []byte, codec Compression) ([]byte, error) {
	switch codec {
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported compression %q", codec)
	}
}

func decompress(data []byte, codec Compression, originalSize int) ([]byte, error) {
	switch codec {
	case CompressionNone, "":
		if len(data) != originalSize {
			return nil, fmt.Errorf("size %d does not match expected %d", len(data), originalSize)
		}
		return data, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, originalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != originalSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), originalSize)
		}
		return result, nil

	case CompressionLZ4:
		destination := make([]byte, originalSize)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != originalSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, originalSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression %q", codec)
	}
}
