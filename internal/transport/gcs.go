package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"lineage-stats/internal/domain"
)

// GCSConfig holds Google Cloud Storage client settings.
type GCSConfig struct {
	KeyFile  string // service account JSON; empty uses default credentials
	Endpoint string // emulator endpoint; disables authentication
}

// GCSTransport writes each event as one object.
type GCSTransport struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ domain.Transport = (*GCSTransport)(nil)

// NewGCSTransport creates a sink writing to gs://bucket/prefix.
func NewGCSTransport(ctx context.Context, cfg GCSConfig, bucket, prefix string) (*GCSTransport, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs transport: bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.KeyFile != "":
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.KeyFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs transport: create client: %w", err)
	}
	return &GCSTransport{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Name implements domain.Transport.
func (t *GCSTransport) Name() string { return "gcs" }

// Send implements domain.Transport.
func (t *GCSTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}
	key := objectKey(t.prefix, env.Event)

	w := t.client.Bucket(t.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(env.Payload); err != nil {
		_ = w.Close()
		return gcsError(fmt.Errorf("gcs transport: write gs://%s/%s: %w", t.bucket, key, err))
	}
	if err := w.Close(); err != nil {
		return gcsError(fmt.Errorf("gcs transport: close gs://%s/%s: %w", t.bucket, key, err))
	}
	return nil
}

// Close releases the client.
func (t *GCSTransport) Close() error {
	return t.client.Close()
}

func gcsError(err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return classify(ge.Code, err)
	}
	return domain.Retryable(err)
}
