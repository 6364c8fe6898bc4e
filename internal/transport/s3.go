package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lineage-stats/internal/domain"
)

// S3Config holds connection settings for S3 and S3-compatible stores.
type S3Config struct {
	Endpoint     string // host or URL; empty for AWS
	Region       string
	KeyID        string
	Secret       string
	UsePathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Transport writes each event as one object.
type S3Transport struct {
	client objectPutter
	bucket string
	prefix string
}

var _ domain.Transport = (*S3Transport)(nil)

// NewS3Transport creates a sink writing to s3://bucket/prefix.
func NewS3Transport(cfg S3Config, bucket, prefix string) (*S3Transport, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 transport: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 transport: region is required")
	}

	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, "")
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	return newS3Transport(s3.New(opts), bucket, prefix), nil
}

func newS3Transport(client objectPutter, bucket, prefix string) *S3Transport {
	return &S3Transport{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Name implements domain.Transport.
func (t *S3Transport) Name() string { return "s3" }

// Send implements domain.Transport.
func (t *S3Transport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}
	key := objectKey(t.prefix, env.Event)
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(env.Payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s3Error(fmt.Errorf("s3 transport: put s3://%s/%s: %w", t.bucket, key, err))
	}
	return nil
}

func s3Error(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return classify(re.HTTPStatusCode(), err)
	}
	return domain.Retryable(err)
}
