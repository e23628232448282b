// Package hashing derives content identifiers from payload bytes.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"mediashare/pkg/types"

	"github.com/zeebo/blake3"
)

type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// DigestLength is the hex length of every identifier produced here.
const DigestLength = 64

// Hasher computes content identifiers. The zero value uses SHA-256.
// Identifiers from different algorithms never compare equal, so a data
// directory must keep one algorithm for its lifetime.
type Hasher struct {
	algorithm Algorithm
}

func New(algorithm Algorithm) (*Hasher, error) {
	switch algorithm {
	case "", SHA256:
		return &Hasher{algorithm: SHA256}, nil
	case BLAKE3:
		return &Hasher{algorithm: BLAKE3}, nil
	default:
		return nil, types.InputError("unknown hash algorithm %q", algorithm)
	}
}

// Default returns a SHA-256 hasher.
func Default() *Hasher {
	return &Hasher{algorithm: SHA256}
}

func (h *Hasher) Algorithm() Algorithm {
	if h == nil || h.algorithm == "" {
		return SHA256
	}
	return h.algorithm
}

func (h *Hasher) newHash() hash.Hash {
	if h.Algorithm() == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Hash digests a []byte, string or io.Reader payload.
func (h *Hasher) Hash(payload any) (types.ContentID, error) {
	d := h.newHash()
	switch p := payload.(type) {
	case []byte:
		d.Write(p)
	case string:
		io.WriteString(d, p)
	case io.Reader:
		if _, err := io.Copy(d, p); err != nil {
			return "", fmt.Errorf("failed to read payload: %w", err)
		}
	case nil:
		return "", types.InputError("nil payload")
	default:
		return "", types.InputError("unsupported payload type %T", payload)
	}
	return types.ContentID(hex.EncodeToString(d.Sum(nil))), nil
}

// HashBytes is Hash for the common []byte case, which cannot fail.
func (h *Hasher) HashBytes(payload []byte) types.ContentID {
	d := h.newHash()
	d.Write(payload)
	return types.ContentID(hex.EncodeToString(d.Sum(nil)))
}

// Verify recomputes the digest of payload and compares it with expected.
// Any hashing failure reports false.
func (h *Hasher) Verify(payload any, expected types.ContentID) bool {
	got, err := h.Hash(payload)
	if err != nil {
		return false
	}
	return string(got) == strings.ToLower(string(expected))
}

// IsValidID reports whether id has the shape of a content identifier.
func IsValidID(id types.ContentID) bool {
	if len(id) != DigestLength {
		return false
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
