package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"k8s.io/utils/clock"
)

const (
	DefaultDir    = "data"
	DefaultPrefix = "dune_export"

	// maxSuffix bounds the search for a free name within one second.
	maxSuffix = 10000
)

// Writer persists result payloads as <dir>/<prefix>_<unix>[_n].csv[.ext].
type Writer struct {
	dir         string
	prefix      string
	compression Compression
	clock       clock.PassiveClock
}

func NewWriter(dir, prefix string, compression Compression, clk clock.PassiveClock) *Writer {
	if dir == "" {
		dir = DefaultDir
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if compression == "" {
		compression = CompressionNone
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Writer{dir: dir, prefix: prefix, compression: compression, clock: clk}
}

// Save creates the output directory if needed and writes data to a new file
// named after the current Unix time. An existing file is never overwritten:
// a second save within the same second gets a numeric suffix.
func (w *Writer) Save(data []byte) (string, error) {
	if err := ensureDirectoryExists(w.dir); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", w.dir, err)
	}

	ts := w.clock.Now().Unix()
	for n := 0; n < maxSuffix; n++ {
		path := filepath.Join(w.dir, w.fileName(ts, n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create file %s: %w", path, err)
		}
		if err := w.write(f, data); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for timestamp %d in %s", ts, w.dir)
}

func (w *Writer) fileName(ts int64, n int) string {
	name := fmt.Sprintf("%s_%d", w.prefix, ts)
	if n > 0 {
		name = fmt.Sprintf("%s_%d", name, n)
	}
	return name + ".csv" + w.compression.Extension()
}

func (w *Writer) write(f *os.File, data []byte) error {
	cw, err := newCompressionWriter(f, w.compression)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := cw.Write(data); err != nil {
		cw.Close()
		f.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ensureDirectoryExists(path string) error {
	return os.MkdirAll(path, 0o755)
}
