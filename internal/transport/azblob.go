package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"lineage-stats/internal/domain"
)

// AzureConfig holds Azure Blob Storage shared-key settings.
type AzureConfig struct {
	AccountKey string
	ServiceURL string // defaults to https://<account>.blob.core.windows.net
}

// AzureBlobTransport writes each event as one block blob.
type AzureBlobTransport struct {
	client    *azblob.Client
	container string
	prefix    string
}

var _ domain.Transport = (*AzureBlobTransport)(nil)

// NewAzureBlobTransport creates a sink writing to account/container/prefix.
// Only account-key authentication is supported.
func NewAzureBlobTransport(cfg AzureConfig, account, container, prefix string) (*AzureBlobTransport, error) {
	if account == "" || container == "" {
		return nil, fmt.Errorf("azblob transport: account and container are required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azblob transport: account key is required")
	}

	cred, err := azblob.NewSharedKeyCredential(account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azblob transport: create shared key credential: %w", err)
	}
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob transport: create client: %w", err)
	}
	return &AzureBlobTransport{client: client, container: container, prefix: strings.Trim(prefix, "/")}, nil
}

// Name implements domain.Transport.
func (t *AzureBlobTransport) Name() string { return "azblob" }

// Send implements domain.Transport.
func (t *AzureBlobTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}
	key := objectKey(t.prefix, env.Event)
	contentType := "application/json"
	_, err := t.client.UploadBuffer(ctx, t.container, key, env.Payload, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return azureError(fmt.Errorf("azblob transport: upload %s/%s: %w", t.container, key, err))
	}
	return nil
}

func azureError(err error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return classify(re.StatusCode, err)
	}
	return domain.Retryable(err)
}
