package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
)

type objectPutter interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3 uploads to a bucket on any S3-compatible endpoint.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
}

func NewS3(cfg config.S3Config) (*S3, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return NewS3WithClient(cfg.Bucket, cfg.Prefix, mc)
}

func NewS3WithClient(bucket, prefix string, c objectPutter) (*S3, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &S3{client: c, bucket: strings.TrimSpace(bucket), prefix: prefix}, nil
}

func (s *S3) Put(ctx context.Context, localPath, key string) (string, error) {
	object := joinKey(s.prefix, key)
	_, err := s.client.FPutObject(ctx, s.bucket, object, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("put object %q: %w", object, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, object), nil
}
