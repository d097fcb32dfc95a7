package upload

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
)

type blobClient interface {
	UploadFile(ctx context.Context, containerName, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// AzureBlob uploads to one Azure Blob Storage container.
type AzureBlob struct {
	client     blobClient
	serviceURL string
	container  string
}

func NewAzureBlob(cfg config.AzureConfig) (*AzureBlob, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return NewAzureBlobWithClient(serviceURL, cfg.Container, client)
}

func NewAzureBlobWithClient(serviceURL, container string, c blobClient) (*AzureBlob, error) {
	if c == nil {
		return nil, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(container) == "" {
		return nil, fmt.Errorf("container is required")
	}
	return &AzureBlob{client: c, serviceURL: strings.TrimRight(serviceURL, "/"), container: container}, nil
}

func (a *AzureBlob) Put(ctx context.Context, localPath, key string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for upload: %w", localPath, err)
	}
	defer file.Close()

	ct := contentType(localPath)
	_, err = a.client.UploadFile(ctx, a.container, key, file, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s/%s", a.serviceURL, a.container, key), nil
}
