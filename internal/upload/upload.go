// Package upload copies saved result files to object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
)

// Target stores one local file under key and returns a printable location.
type Target interface {
	Put(ctx context.Context, localPath, key string) (string, error)
}

// New builds the target selected by cfg. It returns nil for no upload.
func New(cfg config.UploadConfig) (Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case config.UploadAzblob:
		a, err := NewAzureBlob(cfg.Azure)
		if err != nil {
			return nil, err
		}
		return a, nil
	case config.UploadS3:
		s, err := NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

// FileUploader uploads single files, keyed by their path relative to BaseDir.
type FileUploader struct {
	Target  Target
	BaseDir string
}

func (u FileUploader) Upload(ctx context.Context, localPath string) (string, error) {
	return u.Target.Put(ctx, localPath, objectKey(u.BaseDir, localPath))
}

// UploadDir walks dir and uploads every regular file. A failed file does not
// stop the walk; all failures are returned together.
func UploadDir(ctx context.Context, t Target, dir string) (int, error) {
	slog.Info("Starting upload", "input_dir", dir)
	uploaded := 0
	var failures []error
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		key := objectKey(dir, p)
		slog.Debug("Preparing to upload file", "local_path", p, "key", key)
		location, err := t.Put(ctx, p, key)
		if err != nil {
			slog.Error("Failed to upload file", "local_path", p, "key", key, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", p, err))
			return nil
		}
		uploaded++
		slog.Info("Successfully uploaded file", "local_path", p, "location", location)
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("failed during directory walk for upload of %s: %w", dir, err)
	}
	slog.Info("Upload finished", "input_dir", dir, "uploaded", uploaded, "failed", len(failures))
	return uploaded, errors.Join(failures...)
}

// objectKey is localPath relative to baseDir with forward slashes, or the
// bare file name when localPath is outside baseDir.
func objectKey(baseDir, localPath string) string {
	if baseDir != "" {
		if rel, err := filepath.Rel(baseDir, localPath); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(localPath)
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	case ".lz4":
		return "application/x-lz4"
	default:
		return "application/octet-stream"
	}
}
