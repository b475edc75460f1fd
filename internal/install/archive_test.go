package install

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipEntryOffset_HandComputed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.zip")
	writeStoredZip(t, path,
		zipEntry{name: "a.txt", data: []byte("hello")},
		zipEntry{name: "dir/b.bin", data: bytes.Repeat([]byte{0x5a}, 100)},
		zipEntry{name: PayloadBinary, data: []byte("payload")},
	)

	tests := []struct {
		name string
		want int64
	}{
		{"a.txt", 30 + 5},
		{"dir/b.bin", (30 + 5 + 5) + (30 + 9)},
		{PayloadBinary, (30 + 5 + 5) + (30 + 9 + 100) + (30 + 11)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ZipEntryOffset(path, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZipEntryOffset_MatchesDataOffset(t *testing.T) {
	path := streamingPackage(t, t.TempDir())

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		want, err := f.DataOffset()
		require.NoError(t, err)

		got, err := ZipEntryOffset(path, f.Name)
		require.NoError(t, err)
		assert.Equal(t, want, got, f.Name)
	}
}

func TestZipEntryOffset_NotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.zip")
	writeStoredZip(t, path, zipEntry{name: "a.txt", data: []byte("x")})

	_, err := ZipEntryOffset(path, PayloadBinary)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = ZipEntryOffset(filepath.Join(t.TempDir(), "missing.zip"), PayloadBinary)
	assert.Error(t, err)
}

func TestIsStreamingPackage(t *testing.T) {
	dir := t.TempDir()

	streaming := streamingPackage(t, dir)

	legacy := filepath.Join(dir, "legacy.zip")
	writeStoredZip(t, legacy, zipEntry{name: "META-INF/com/google/android/update-binary", data: []byte("#!")})

	onlyPayload := filepath.Join(dir, "payload-only.zip")
	writeStoredZip(t, onlyPayload, zipEntry{name: PayloadBinary, data: []byte("x")})

	ok, err := IsStreamingPackage(streaming)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsStreamingPackage(legacy)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = IsStreamingPackage(onlyPayload)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadPayloadProperties(t *testing.T) {
	path := streamingPackage(t, t.TempDir())

	props, err := ReadPayloadProperties(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"FILE_HASH=abc", "FILE_SIZE=4096", "METADATA_HASH=def"}, props)

	legacy := filepath.Join(t.TempDir(), "legacy.zip")
	writeStoredZip(t, legacy, zipEntry{name: "a.txt", data: []byte("x")})

	_, err = ReadPayloadProperties(legacy)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
