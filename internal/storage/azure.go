package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobConfig holds Azure Blob Storage stage configuration
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Prefix             string
	Endpoint           string // custom endpoint (Azurite)
}

// AzureBlobBackend stages objects as block blobs in one container
type AzureBlobBackend struct {
	container *container.Client
	name      string
	prefix    string
	logger    zerolog.Logger
}

// NewAzureBlobBackend creates an Azure stage. Authentication is tried in
// order: connection string, SAS token, shared key, managed identity.
func NewAzureBlobBackend(ctx context.Context, cfg AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}
	log := logger.With().Str("component", "azure-stage").Str("container", cfg.ContainerName).Logger()

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var client *azblob.Client
	var err error
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.SASToken != "":
		client, err = azblob.NewClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create managed identity credential: %w", credErr)
		}
		client, err = azblob.NewClient(endpoint, cred, nil)
	default:
		return nil, fmt.Errorf("no Azure authentication configured: provide connection_string, account_name+account_key, account_name+sas_token, or account_name+use_managed_identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	cc := client.ServiceClient().NewContainerClient(cfg.ContainerName)
	propsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cc.GetProperties(propsCtx, nil); err != nil {
		log.Warn().Err(err).Msg("Could not verify container exists")
	}

	return &AzureBlobBackend{
		container: cc,
		name:      cfg.ContainerName,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    log,
	}, nil
}

func (b *AzureBlobBackend) blobName(key string) string {
	key = strings.TrimPrefix(key, "/")
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Write writes data to key
func (b *AzureBlobBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.WriteReader(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// WriteReader streams reader into a block blob
func (b *AzureBlobBackend) WriteReader(ctx context.Context, key string, reader io.Reader, size int64) error {
	start := time.Now()
	name := b.blobName(key)
	ct := contentType(key)

	_, err := b.container.NewBlockBlobClient(name).UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to Azure Blob Storage: %w", name, err)
	}

	b.logger.Debug().
		Str("key", name).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Staged blob")
	return nil
}

// List lists keys under prefix, relative to the configured blob prefix
func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	full := b.blobName(prefix)
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &full})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			k := *item.Name
			if b.prefix != "" {
				k = strings.TrimPrefix(k, b.prefix+"/")
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Delete deletes key
func (b *AzureBlobBackend) Delete(ctx context.Context, key string) error {
	_, err := b.container.NewBlobClient(b.blobName(key)).Delete(ctx, nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete %s from Azure Blob Storage: %w", key, err)
	}
	return nil
}

// Exists reports whether key exists
func (b *AzureBlobBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.container.NewBlobClient(b.blobName(key)).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
	}
	return true, nil
}

// URI returns azure://container/key
func (b *AzureBlobBackend) URI(key string) string {
	return fmt.Sprintf("azure://%s/%s", b.name, b.blobName(key))
}

func (b *AzureBlobBackend) Type() string { return "azure" }

func (b *AzureBlobBackend) Close() error { return nil }

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "BlobNotFound")
}
