package output

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var fixedTime = time.Unix(1718000000, 0)

func TestSave_CreatesDirectoryAndTimestampedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	w := NewWriter(dir, "soccer_polymarket", CompressionNone, clocktesting.NewFakeClock(fixedTime))

	path, err := w.Save([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "soccer_polymarket_1718000000.csv"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))
}

func TestSave_SameSecondDoesNotCollide(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "", CompressionNone, clocktesting.NewFakeClock(fixedTime))

	first := []byte("first\n")
	second := []byte("second\x00\xff\n")

	p1, err := w.Save(first)
	require.NoError(t, err)
	p2, err := w.Save(second)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.Equal(t, filepath.Join(dir, "dune_export_1718000000.csv"), p1)
	assert.Equal(t, filepath.Join(dir, "dune_export_1718000000_1.csv"), p2)

	got1, err := os.ReadFile(p1)
	require.NoError(t, err)
	got2, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.Equal(t, first, got1)
	assert.Equal(t, second, got2)
}

func TestSave_ExistingDirectoryIsFine(t *testing.T) {
	dir := t.TempDir()
	clk := clocktesting.NewFakeClock(fixedTime)
	w := NewWriter(dir, "x", CompressionNone, clk)

	_, err := w.Save([]byte("1"))
	require.NoError(t, err)
	clk.Step(time.Second)
	path, err := w.Save([]byte("2"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x_1718000001.csv"), path)
}

func TestSave_EmptyPayload(t *testing.T) {
	w := NewWriter(t.TempDir(), "", CompressionNone, clocktesting.NewFakeClock(fixedTime))
	path, err := w.Save(nil)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSave_DirectoryIsAFile(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "data")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	w := NewWriter(blocker, "", CompressionNone, clocktesting.NewFakeClock(fixedTime))
	_, err := w.Save([]byte("a"))
	require.Error(t, err)
}

func TestSave_CompressedRoundTrip(t *testing.T) {
	payload := []byte("market,price\nEPL,0.42\nLaLiga,0.58\n")
	for _, c := range []Compression{CompressionGzip, CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			w := NewWriter(t.TempDir(), "", c, clocktesting.NewFakeClock(fixedTime))
			path, err := w.Save(payload)
			require.NoError(t, err)
			assert.Equal(t, ".csv"+c.Extension(), filepath.Ext(trimLastExt(path))+filepath.Ext(path))

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()
			r, err := NewReader(f, path)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"GZIP", CompressionGzip, false},
		{" zstd ", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"brotli", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func trimLastExt(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}
