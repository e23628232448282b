package hashing

import (
	"bytes"
	"errors"
	"testing"

	"mediashare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, BLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			h, err := New(alg)
			require.NoError(t, err)

			payload := []byte("the quick brown fox")
			first, err := h.Hash(payload)
			require.NoError(t, err)
			second, err := h.Hash(payload)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.Len(t, string(first), DigestLength)
			assert.True(t, IsValidID(first))

			fromString, err := h.Hash("the quick brown fox")
			require.NoError(t, err)
			assert.Equal(t, first, fromString)

			fromReader, err := h.Hash(bytes.NewReader(payload))
			require.NoError(t, err)
			assert.Equal(t, first, fromReader)

			changed, err := h.Hash([]byte("the quick brown fox."))
			require.NoError(t, err)
			assert.NotEqual(t, first, changed)
		})
	}
}

func TestHashKnownVector(t *testing.T) {
	id, err := Default().Hash([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, types.ContentID("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"), id)
}

func TestHashAlgorithmsDiffer(t *testing.T) {
	b3, err := New(BLAKE3)
	require.NoError(t, err)
	assert.NotEqual(t, Default().HashBytes([]byte("abc")), b3.HashBytes([]byte("abc")))
}

func TestHashUnsupportedPayload(t *testing.T) {
	_, err := Default().Hash(42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInput))

	_, err = Default().Hash(nil)
	assert.True(t, errors.Is(err, types.ErrInput))
}

func TestVerify(t *testing.T) {
	h := Default()
	id := h.HashBytes([]byte("payload"))

	assert.True(t, h.Verify([]byte("payload"), id))
	assert.True(t, h.Verify([]byte("payload"), types.ContentID(bytes.ToUpper([]byte(id)))))
	assert.False(t, h.Verify([]byte("payload!"), id))
	assert.False(t, h.Verify(3.14, id), "unsupported payload reports false instead of failing")
}

func TestNewUnknownAlgorithm(t *testing.T) {
	_, err := New("md5")
	assert.True(t, errors.Is(err, types.ErrInput))
}
