package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"512MB", 512000000, false},
		{"1MiB", 1048576, false},
		{"10GB", 10000000000, false},
		{"1.5GiB", 1610612736, false},
		{"2TB", 2000000000000, false},
		{" 10 gb ", 10000000000, false},
		{"", 0, true},
		{"-5", 0, true},
		{"GB", 0, true},
		{"10XB", 0, true},
		{"1.2.3MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{-1, "invalid"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{MegaByte, "1 MiB"},
		{GigaByte + GigaByte/4, "1.25 GiB"},
		{3 * TeraByte, "3 TiB"},
		{2048 * TeraByte, "2048 TiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.bytes))
		})
	}
}

func TestDataSizeDecoding(t *testing.T) {
	type holder struct {
		Size DataSize `json:"size" yaml:"size"`
	}

	var h holder
	require.NoError(t, json.Unmarshal([]byte(`{"size": "2MiB"}`), &h))
	assert.Equal(t, 2*MegaByte, h.Size.Bytes())

	require.NoError(t, json.Unmarshal([]byte(`{"size": 1234}`), &h))
	assert.Equal(t, int64(1234), h.Size.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte("size: 10GB\n"), &h))
	assert.Equal(t, int64(10_000_000_000), h.Size.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte("size: 64\n"), &h))
	assert.Equal(t, int64(64), h.Size.Bytes())

	assert.Error(t, json.Unmarshal([]byte(`{"size": "lots"}`), &h))
	assert.Error(t, json.Unmarshal([]byte(`{"size": -1}`), &h))
	assert.Error(t, yaml.Unmarshal([]byte("size: [1, 2]\n"), &h))

	out, err := json.Marshal(holder{Size: 2048})
	require.NoError(t, err)
	assert.JSONEq(t, `{"size": 2048}`, string(out))
	assert.Equal(t, "2 KiB", DataSize(2048).String())
}
