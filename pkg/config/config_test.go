package config

import (
	"os"
	"path/filepath"
	"testing"

	"mediashare/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "node.json", `{
		"data_dir": "/var/lib/mediashare",
		"listen_address": "0.0.0.0:7070",
		"peers": ["alice:7070", "bob:7070"],
		"hash_algorithm": "blake3",
		"compression": "zstd",
		"chunk_size": "256KiB",
		"max_storage": "10GB",
		"metrics_address": ":9090"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mediashare", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:7070", cfg.ListenAddress)
	assert.Equal(t, []string{"alice:7070", "bob:7070"}, cfg.Peers)
	assert.Equal(t, "blake3", cfg.HashAlgorithm)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 256*utils.KiloByte, cfg.ChunkSize.Bytes())
	assert.Equal(t, int64(10_000_000_000), cfg.MaxStorage.Bytes())
	assert.Equal(t, ":9090", cfg.MetricsAddress)
	assert.Equal(t, filepath.Join("/var/lib/mediashare", "content.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/mediashare", "blobs"), cfg.BlobDir())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "node.yaml", `
data_dir: ./media
peers:
  - carol:7070
compression: lz4
max_storage: 1073741824
mount_point: /mnt/media
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "./media", cfg.DataDir)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, []string{"carol:7070"}, cfg.Peers)
	assert.Equal(t, "sha256", cfg.HashAlgorithm)
	assert.Equal(t, "lz4", cfg.Compression)
	assert.Equal(t, utils.GigaByte, cfg.MaxStorage.Bytes())
	assert.Equal(t, "/mnt/media", cfg.MountPoint)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"BadJSON", "a.json", `{"data_dir": `},
		{"BadYAML", "a.yml", "peers: [unterminated"},
		{"UnknownHash", "a.json", `{"hash_algorithm": "md5"}`},
		{"UnknownCompression", "a.json", `{"compression": "brotli"}`},
		{"BadSize", "a.json", `{"max_storage": "plenty"}`},
		{"PeerWithoutPort", "a.json", `{"peers": ["alice"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MEDIASHARE_DATA_DIR", "/srv/media")
	t.Setenv("MEDIASHARE_PEERS", "alice:7070, bob:7071,")
	t.Setenv("MEDIASHARE_MAX_STORAGE", "2GiB")
	t.Setenv("MEDIASHARE_HASH_ALGORITHM", "blake3")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/srv/media", cfg.DataDir)
	assert.Equal(t, []string{"alice:7070", "bob:7071"}, cfg.Peers)
	assert.Equal(t, 2*utils.GigaByte, cfg.MaxStorage.Bytes())
	assert.Equal(t, "blake3", cfg.HashAlgorithm)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
}

func TestFileValuesWinOverEnv(t *testing.T) {
	t.Setenv("MEDIASHARE_DATA_DIR", "/from/env")
	t.Setenv("MEDIASHARE_PEERS", "env:7070")
	t.Setenv("MEDIASHARE_METRICS_ADDRESS", ":9191")

	cfg, err := Load(writeConfig(t, "node.json", `{"data_dir": "/from/file", "peers": ["file:7070"]}`))
	require.NoError(t, err)

	assert.Equal(t, "/from/file", cfg.DataDir)
	assert.Equal(t, []string{"file:7070"}, cfg.Peers)
	assert.Equal(t, ":9191", cfg.MetricsAddress)
}

func TestLoadFromEnvRejectsBadSize(t *testing.T) {
	t.Setenv("MEDIASHARE_MAX_STORAGE", "huge")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}
