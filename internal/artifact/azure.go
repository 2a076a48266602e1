package artifact

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureSink uploads to an Azure Blob Storage container.
type AzureSink struct {
	client    *azblob.Client
	container string
	timeout   time.Duration
}

// NewAzureSink creates a sink from a connection string, or from an account
// name and shared key.
func NewAzureSink(cfg Config) (*AzureSink, error) {
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.AzureConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
	case cfg.AzureAccount != "" && cfg.AzureKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AzureAccount, cfg.AzureKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccount)
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	default:
		return nil, fmt.Errorf("azure provider requires AZURE_STORAGE_CONNECTION_STRING or AZURE_STORAGE_ACCOUNT with a key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return &AzureSink{client: client, container: cfg.Container, timeout: cfg.UploadTimeout}, nil
}

func (s *AzureSink) Provider() string { return ProviderAzure }

// Upload stores the file as a block blob. The whole transfer is bounded by
// the configured upload timeout.
func (s *AzureSink) Upload(ctx context.Context, localPath, blobName string) (*Location, error) {
	ctx, cancel := withUploadTimeout(ctx, s.timeout)
	defer cancel()

	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	ct := contentType(blobName)
	_, err = s.client.UploadFile(ctx, s.container, blobName, file, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob: %w", err)
	}

	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(blobName)
	return &Location{URL: blobClient.URL()}, nil
}

// Ready checks the container is reachable.
func (s *AzureSink) Ready(ctx context.Context) error {
	_, err := s.client.ServiceClient().NewContainerClient(s.container).GetProperties(ctx, nil)
	if err != nil {
		return fmt.Errorf("azure container %s: %w", s.container, err)
	}
	return nil
}
